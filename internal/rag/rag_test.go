package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/kbchat-go/internal/apperr"
)

// ---- Fake embedder ----

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func entry(id string, fileID int64, vec ...float32) Entry {
	return Entry{ID: id, Vector: vec, Payload: Payload{FileID: fileID, KnowledgeID: 1, Content: id}}
}

func TestCollectionName(t *testing.T) {
	t.Parallel()
	if got := CollectionName(42); got != "knowledge_42" {
		t.Errorf("CollectionName(42) = %q", got)
	}
}

func TestPayload_MapRequiredKeysWin(t *testing.T) {
	t.Parallel()

	p := Payload{
		FileID:          7,
		KnowledgeID:     3,
		Content:         "passage",
		ChunkIndex:      2,
		OriginalContent: "doc head",
		Extra:           map[string]any{"fileId": "spoofed", "author": "ann"},
	}
	m := p.Map()
	if m[KeyFileID] != int64(7) {
		t.Errorf("fileId = %v, want 7", m[KeyFileID])
	}
	if m["author"] != "ann" {
		t.Errorf("extra key lost: %v", m)
	}
	if m[KeyChunkIndex] != int64(2) {
		t.Errorf("chunkIndex = %v", m[KeyChunkIndex])
	}
}

func TestPayloadFromValues_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Payload{
		FileID:          9,
		KnowledgeID:     4,
		Content:         "c",
		ChunkIndex:      5,
		OriginalContent: "o",
		Extra:           map[string]any{"lang": "en", "pages": 3, "draft": true},
	}
	got := payloadFromValues(qdrant.NewValueMap(scalarMap(in.Map())))

	if got.FileID != 9 || got.KnowledgeID != 4 || got.Content != "c" || got.ChunkIndex != 5 || got.OriginalContent != "o" {
		t.Errorf("required fields mismatch: %+v", got)
	}
	if got.Extra["lang"] != "en" || got.Extra["pages"] != int64(3) || got.Extra["draft"] != true {
		t.Errorf("extra mismatch: %+v", got.Extra)
	}
}

func TestMemoryIndex_SearchMissingCollectionIsEmpty(t *testing.T) {
	t.Parallel()

	hits, err := NewMemoryIndex(3).Search(context.Background(), 99, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("want empty non-nil result, got %v", hits)
	}
}

func TestMemoryIndex_UpsertRequiresCollection(t *testing.T) {
	t.Parallel()

	err := NewMemoryIndex(3).Upsert(context.Background(), 1, []Entry{entry("a", 1, 1, 0, 0)})
	if !errors.Is(err, apperr.ErrCollectionNotFound) {
		t.Fatalf("want CollectionNotFound, got %v", err)
	}
}

func TestMemoryIndex_UpsertRejectsWrongDimensionAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	_ = idx.EnsureCollection(ctx, 1)

	err := idx.Upsert(ctx, 1, []Entry{entry("a", 1, 1, 0, 0), entry("b", 1, 1, 0)})
	if err == nil {
		t.Fatal("expected dimension error")
	}
	if idx.Len(1) != 0 {
		t.Errorf("partial write: %d entries stored", idx.Len(1))
	}
}

func TestMemoryIndex_SearchRanksByCosine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	_ = idx.EnsureCollection(ctx, 1)
	_ = idx.Upsert(ctx, 1, []Entry{
		entry("far", 1, 0, 1, 0),
		entry("near", 1, 1, 0.1, 0),
		entry("exact", 1, 1, 0, 0),
	})

	hits, err := idx.Search(ctx, 1, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "exact" || hits[1].ID != "near" {
		t.Errorf("unexpected ranking: %+v", hits)
	}
	if hits[0].Payload.Content != "exact" {
		t.Errorf("payload not returned: %+v", hits[0].Payload)
	}
}

func TestMemoryIndex_DeleteByFileScopedToCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	_ = idx.EnsureCollection(ctx, 1)
	_ = idx.EnsureCollection(ctx, 2)
	_ = idx.Upsert(ctx, 1, []Entry{entry("a", 10, 1, 0, 0), entry("b", 11, 1, 0, 0)})
	_ = idx.Upsert(ctx, 2, []Entry{entry("c", 10, 1, 0, 0)})

	if err := idx.DeleteByFile(ctx, 1, 10); err != nil {
		t.Fatalf("DeleteByFile: %v", err)
	}
	hits, _ := idx.Search(ctx, 1, []float32{1, 0, 0}, 10)
	for _, h := range hits {
		if h.Payload.FileID == 10 {
			t.Errorf("retracted file still searchable: %+v", h)
		}
	}
	if idx.Len(2) != 1 {
		t.Errorf("other collection touched: %d entries", idx.Len(2))
	}

	// Second retraction and retraction in an unknown collection are no-ops.
	if err := idx.DeleteByFile(ctx, 1, 10); err != nil {
		t.Errorf("second DeleteByFile: %v", err)
	}
	if err := idx.DeleteByFile(ctx, 77, 10); err != nil {
		t.Errorf("DeleteByFile on missing collection: %v", err)
	}
}

func TestMemoryIndex_DeleteCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	_ = idx.EnsureCollection(ctx, 1)
	_ = idx.Upsert(ctx, 1, []Entry{entry("a", 1, 1, 0, 0)})

	if err := idx.DeleteCollection(ctx, 1); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if idx.HasCollection(1) {
		t.Error("collection still present")
	}
	if err := idx.DeleteCollection(ctx, 1); err != nil {
		t.Errorf("second DeleteCollection: %v", err)
	}
}

func TestRetriever_Retrieve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	_ = idx.EnsureCollection(ctx, 1)
	_ = idx.Upsert(ctx, 1, []Entry{entry("alpha", 1, 1, 0, 0), entry("beta", 1, 0, 1, 0)})

	r, err := NewRetriever(&fakeEmbedder{vectors: map[string][]float32{"q": {0, 1, 0}}}, idx, 0)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	hits, err := r.Retrieve(ctx, 1, "q", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "beta" {
		t.Errorf("unexpected hits: %+v", hits)
	}
}

func TestRetriever_EmbedError(t *testing.T) {
	t.Parallel()

	r, _ := NewRetriever(&fakeEmbedder{err: errors.New("boom")}, NewMemoryIndex(3), 5)
	if _, err := r.Retrieve(context.Background(), 1, "q", 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRetriever_NilArgs(t *testing.T) {
	t.Parallel()

	if _, err := NewRetriever(nil, NewMemoryIndex(3), 5); err == nil {
		t.Error("expected error for nil embedder")
	}
	if _, err := NewRetriever(&fakeEmbedder{}, nil, 5); err == nil {
		t.Error("expected error for nil index")
	}
}
