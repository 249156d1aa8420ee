// Package rag defines the retrieval-augmented generation building blocks:
// embedding, the per-knowledge-base vector index, and query-time retrieval.
// Concrete implementations (Qdrant, in-memory) satisfy these interfaces so the
// ingestion and responder layers never depend on a specific backend.
package rag

import (
	"context"
	"fmt"
)

// Payload keys stored with every vector entry.
const (
	KeyFileID          = "fileId"
	KeyKnowledgeID     = "knowledgeId"
	KeyContent         = "content"
	KeyChunkIndex      = "chunkIndex"
	KeyOriginalContent = "originalContent"
)

// CollectionName returns the vector collection that isolates knowledge base
// kbID. The mapping is deterministic and 1:1.
func CollectionName(kbID int64) string {
	return fmt.Sprintf("knowledge_%d", kbID)
}

// Payload is the data stored alongside a passage embedding. The required
// fields always win over keys of the same name in Extra.
type Payload struct {
	// FileID is the owning file. Retraction deletes by this key.
	FileID int64
	// KnowledgeID is the owning knowledge base.
	KnowledgeID int64
	// Content is the passage text.
	Content string
	// ChunkIndex is the passage's position within its document.
	ChunkIndex int
	// OriginalContent is a provenance snippet: the first characters of the
	// whole document.
	OriginalContent string
	// Extra holds caller-supplied scalar metadata (string, bool, int64, float64).
	Extra map[string]any
}

// Map flattens p into a single string-keyed map. Extra keys are written
// first so the required keys cannot be overridden.
func (p Payload) Map() map[string]any {
	m := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		m[k] = v
	}
	m[KeyFileID] = p.FileID
	m[KeyKnowledgeID] = p.KnowledgeID
	m[KeyContent] = p.Content
	m[KeyChunkIndex] = int64(p.ChunkIndex)
	m[KeyOriginalContent] = p.OriginalContent
	return m
}

// Entry is one vector index record.
type Entry struct {
	// ID is a globally unique point id (UUIDv4).
	ID string
	// Vector is the passage embedding.
	Vector []float32
	// Payload is stored verbatim with the vector.
	Payload Payload
}

// Hit is one similarity search result.
type Hit struct {
	// ID is the point id.
	ID string
	// Score is the cosine similarity to the query vector.
	Score float32
	// Payload is the stored payload. Payload.Content is the passage text.
	Payload Payload
}

// KnowledgeIndex owns one collection per knowledge base.
// Implementations must be safe to call from multiple goroutines.
type KnowledgeIndex interface {
	// EnsureCollection creates the collection for kbID with the configured
	// dimension and cosine distance. It is a no-op if it already exists.
	EnsureCollection(ctx context.Context, kbID int64) error

	// Upsert writes or replaces entries by id in one logical call.
	Upsert(ctx context.Context, kbID int64, entries []Entry) error

	// DeleteByFile removes every entry of kbID whose payload file id equals
	// fileID. Missing collections are not an error.
	DeleteByFile(ctx context.Context, kbID, fileID int64) error

	// DeleteCollection drops the collection for kbID. Missing collections
	// are not an error.
	DeleteCollection(ctx context.Context, kbID int64) error

	// Search returns the top-k entries by similarity, best first. It returns
	// an empty result, never an error, when the collection does not exist.
	Search(ctx context.Context, kbID int64, vector []float32, k int) ([]Hit, error)

	// Close releases any resources held by the index.
	Close() error
}

// Embedder converts text into dense vectors of a fixed dimension.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// EmbedBatch converts texts into embeddings. The returned slice is
	// parallel to the input slice.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery converts a single query string into an embedding.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
