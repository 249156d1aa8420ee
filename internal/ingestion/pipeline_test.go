package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/chunker"
	"github.com/54b3r/kbchat-go/internal/extractor"
	"github.com/54b3r/kbchat-go/internal/rag"
)

const testDim = 4

// ---- Fake embedder ----

// fakeEmbedder returns a constant vector per text and can fail on the Nth
// batch call (1-based).
type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	batchLens []int
	failOn    int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batchLens = append(f.batchLens, len(texts))
	if f.failOn > 0 && f.calls == f.failOn {
		return nil, errors.New("upstream 503")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, float32(i)}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

// ---- Fake index ----

// countingIndex wraps MemoryIndex and counts EnsureCollection calls that
// actually created something.
type countingIndex struct {
	*rag.MemoryIndex
	mu      sync.Mutex
	creates int
	upserts int
}

func (c *countingIndex) EnsureCollection(ctx context.Context, kbID int64) error {
	c.mu.Lock()
	if !c.HasCollection(kbID) {
		c.creates++
	}
	c.mu.Unlock()
	return c.MemoryIndex.EnsureCollection(ctx, kbID)
}

func (c *countingIndex) Upsert(ctx context.Context, kbID int64, entries []rag.Entry) error {
	c.mu.Lock()
	c.upserts++
	c.mu.Unlock()
	return c.MemoryIndex.Upsert(ctx, kbID, entries)
}

// ---- Fake recorder ----

type fakeRecorder struct {
	outcomes []string
}

func (r *fakeRecorder) ObserveIngestion(outcome string, _ int, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func newTestPipeline(t *testing.T, emb rag.Embedder, idx rag.KnowledgeIndex, rec Recorder) *Pipeline {
	t.Helper()
	p, err := NewPipeline(extractor.New(nil), chunker.New(nil), emb, idx, &Config{
		BatchSize:  2,
		BatchDelay: -1,
		Recorder:   rec,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestPipeline_3000CharFileYieldsFourChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx := &countingIndex{MemoryIndex: rag.NewMemoryIndex(testDim)}
	emb := &fakeEmbedder{}
	rec := &fakeRecorder{}
	p := newTestPipeline(t, emb, idx, rec)

	path := writeFile(t, "plain.txt", strings.Repeat("a", 3000))
	res, err := p.Ingest(ctx, Request{KnowledgeID: 1, FileID: 10, Path: path, Extension: ".txt"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.ChunkCount != 4 || res.ContentLength != 3000 {
		t.Errorf("result = %+v, want 4 chunks / 3000 chars", res)
	}
	if idx.Len(1) != 4 {
		t.Errorf("index holds %d entries, want 4", idx.Len(1))
	}
	if got := emb.batchLens; len(got) != 2 || got[0] != 2 || got[1] != 2 {
		t.Errorf("batch sizes = %v, want [2 2]", got)
	}
	if idx.upserts != 1 {
		t.Errorf("upserts = %d, want a single logical write", idx.upserts)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "success" {
		t.Errorf("recorder outcomes = %v", rec.outcomes)
	}

	hits, _ := idx.Search(ctx, 1, []float32{1, 0, 0, 0}, 10)
	seen := map[int]bool{}
	for _, h := range hits {
		if h.Payload.FileID != 10 || h.Payload.KnowledgeID != 1 {
			t.Errorf("payload ids wrong: %+v", h.Payload)
		}
		if len(h.Payload.OriginalContent) != DefaultSnippetLength {
			t.Errorf("snippet length = %d", len(h.Payload.OriginalContent))
		}
		if h.Payload.Extra[MetaFileType] != "text" {
			t.Errorf("inferred metadata missing: %v", h.Payload.Extra)
		}
		seen[h.Payload.ChunkIndex] = true
	}
	for i := range 4 {
		if !seen[i] {
			t.Errorf("chunk index %d missing", i)
		}
	}
}

func TestPipeline_AllOrNothingOnBatchFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx := &countingIndex{MemoryIndex: rag.NewMemoryIndex(testDim)}
	rec := &fakeRecorder{}
	p := newTestPipeline(t, &fakeEmbedder{failOn: 2}, idx, rec)

	path := writeFile(t, "plain.txt", strings.Repeat("b", 3000))
	_, err := p.Ingest(ctx, Request{KnowledgeID: 1, FileID: 10, Path: path, Extension: ".txt"})
	if !errors.Is(err, apperr.ErrIngestionFailed) {
		t.Fatalf("want IngestionFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "batch 2 of 2") {
		t.Errorf("error should name the failing batch: %v", err)
	}
	if idx.upserts != 0 || idx.Len(1) != 0 {
		t.Errorf("partial index state: upserts=%d entries=%d", idx.upserts, idx.Len(1))
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "IngestionFailed" {
		t.Errorf("recorder outcomes = %v", rec.outcomes)
	}
}

func TestPipeline_EmptyContent(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &fakeEmbedder{}, rag.NewMemoryIndex(testDim), nil)
	path := writeFile(t, "blank.txt", "  \n\t ")
	_, err := p.Ingest(context.Background(), Request{KnowledgeID: 1, FileID: 1, Path: path, Extension: "txt"})
	if !errors.Is(err, apperr.ErrEmptyContent) {
		t.Fatalf("want EmptyContent, got %v", err)
	}
}

func TestPipeline_UnsupportedFormatPropagates(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{}
	p := newTestPipeline(t, emb, rag.NewMemoryIndex(testDim), nil)
	path := writeFile(t, "x.exe", "MZ")
	_, err := p.Ingest(context.Background(), Request{KnowledgeID: 1, FileID: 1, Path: path, Extension: ".exe"})
	if !errors.Is(err, apperr.ErrUnsupportedFormat) {
		t.Fatalf("want UnsupportedFormat, got %v", err)
	}
	if emb.calls != 0 {
		t.Error("embedder called for unsupported file")
	}
}

func TestPipeline_TwoFilesCoexist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx := &countingIndex{MemoryIndex: rag.NewMemoryIndex(testDim)}
	p := newTestPipeline(t, &fakeEmbedder{}, idx, nil)

	a := writeFile(t, "a.md", "## Alpha\nfirst file")
	b := writeFile(t, "b.txt", "second file")
	if _, err := p.Ingest(ctx, Request{KnowledgeID: 5, FileID: 1, Path: a, Extension: ".md"}); err != nil {
		t.Fatalf("ingest a: %v", err)
	}
	if _, err := p.Ingest(ctx, Request{KnowledgeID: 5, FileID: 2, Path: b, Extension: ".txt"}); err != nil {
		t.Fatalf("ingest b: %v", err)
	}

	if idx.creates != 1 {
		t.Errorf("collection created %d times, want 1", idx.creates)
	}
	hits, err := idx.Search(ctx, 5, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	files := map[int64]bool{}
	for _, h := range hits {
		files[h.Payload.FileID] = true
	}
	if !files[1] || !files[2] {
		t.Errorf("both files should be searchable, got %v", files)
	}
}

func TestPipeline_RetractIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx := rag.NewMemoryIndex(testDim)
	p := newTestPipeline(t, &fakeEmbedder{}, idx, nil)

	path := writeFile(t, "a.txt", strings.Repeat("word ", 500))
	if _, err := p.Ingest(ctx, Request{KnowledgeID: 3, FileID: 7, Path: path, Extension: ".txt"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	keep := writeFile(t, "b.txt", "keep me")
	if _, err := p.Ingest(ctx, Request{KnowledgeID: 3, FileID: 8, Path: keep, Extension: ".txt"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	for range 2 {
		if err := p.Retract(ctx, 3, 7); err != nil {
			t.Fatalf("Retract: %v", err)
		}
	}
	hits, _ := idx.Search(ctx, 3, []float32{1, 0, 0, 0}, 100)
	for _, h := range hits {
		if h.Payload.FileID == 7 {
			t.Fatalf("retracted file still returned: %+v", h)
		}
	}
	if len(hits) != 1 {
		t.Errorf("want only the kept file's passage, got %d hits", len(hits))
	}

	// Never-ingested file and knowledge base.
	if err := p.Retract(ctx, 99, 99); err != nil {
		t.Errorf("Retract unknown: %v", err)
	}
}

func TestPipeline_DropKnowledgeBase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	idx := rag.NewMemoryIndex(testDim)
	p := newTestPipeline(t, &fakeEmbedder{}, idx, nil)
	path := writeFile(t, "a.txt", "hello")
	if _, err := p.Ingest(ctx, Request{KnowledgeID: 4, FileID: 1, Path: path, Extension: ".txt"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := p.DropKnowledgeBase(ctx, 4); err != nil {
		t.Fatalf("DropKnowledgeBase: %v", err)
	}
	hits, err := idx.Search(ctx, 4, []float32{1, 0, 0, 0}, 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("search after drop = %v, %v", hits, err)
	}
}

func TestPipeline_PacesBatches(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(extractor.New(nil), chunker.New(nil), &fakeEmbedder{}, rag.NewMemoryIndex(testDim), &Config{
		BatchSize:  1,
		BatchDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "plain.txt", strings.Repeat("c", 3000))

	start := time.Now()
	if _, err := p.Ingest(context.Background(), Request{KnowledgeID: 1, FileID: 1, Path: path, Extension: ".txt"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// Four batches, the first immediate: at least three delays.
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("elapsed %v, batches were not paced", elapsed)
	}
}

func TestNewPipeline_NilDeps(t *testing.T) {
	t.Parallel()

	ext, spl, emb, idx := extractor.New(nil), chunker.New(nil), &fakeEmbedder{}, rag.NewMemoryIndex(testDim)
	if _, err := NewPipeline(nil, spl, emb, idx, nil); err == nil {
		t.Error("expected error for nil extractor")
	}
	if _, err := NewPipeline(ext, nil, emb, idx, nil); err == nil {
		t.Error("expected error for nil splitter")
	}
	if _, err := NewPipeline(ext, spl, nil, idx, nil); err == nil {
		t.Error("expected error for nil embedder")
	}
	if _, err := NewPipeline(ext, spl, emb, nil, nil); err == nil {
		t.Error("expected error for nil index")
	}
}
