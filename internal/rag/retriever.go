package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/54b3r/kbchat-go/internal/logging"
)

// DefaultTopK is the number of passages retrieved per query.
const DefaultTopK = 5

// Retriever combines an Embedder and a KnowledgeIndex. It embeds the query at
// retrieval time and delegates similarity search to the index.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the per-knowledge-base vector search.
	index KnowledgeIndex

	// defaultTopK is the number of results to return when the caller passes 0.
	defaultTopK int
}

// NewRetriever constructs a Retriever from the given Embedder and index.
// defaultTopK sets the fallback result count when Retrieve is called with topK=0.
func NewRetriever(embedder Embedder, index KnowledgeIndex, defaultTopK int) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	return &Retriever{
		embedder:    embedder,
		index:       index,
		defaultTopK: defaultTopK,
	}, nil
}

// Retrieve embeds query and returns the top-k passages of knowledge base kbID
// ordered by descending similarity. A knowledge base that never received a
// successful ingestion yields an empty result.
func (r *Retriever) Retrieve(ctx context.Context, kbID int64, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}

	hits, err := r.index.Search(ctx, kbID, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	logging.FromContext(ctx).Debug("rag: retrieved passages",
		slog.Int64("knowledge_id", kbID),
		slog.Int("hits", len(hits)),
	)
	return hits, nil
}
