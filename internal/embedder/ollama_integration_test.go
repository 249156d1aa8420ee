//go:build integration

package embedder

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestOllamaEmbedder_Integration performs a real HTTP call to a locally running
// Ollama instance to validate the embedder end-to-end.
//
// Prerequisites:
//
//	ollama pull bge-m3
//	ollama serve
//
// Run with:
//
//	go test -tags=integration -run TestOllamaEmbedder_Integration ./internal/embedder/
func TestOllamaEmbedder_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = defaultOllamaModel
	}

	emb := NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	passages := []string{
		"Employees accrue 15 days of paid leave per calendar year.",
		"The VPN must be used when accessing internal dashboards remotely.",
	}

	vecs, err := emb.EmbedBatch(ctx, passages)
	if err != nil {
		t.Fatalf("EmbedBatch() failed: %v\n\nEnsure Ollama is running and %q is pulled", err, model)
	}
	if len(vecs) != len(passages) {
		t.Fatalf("expected %d embeddings, got %d", len(passages), len(vecs))
	}

	query, err := emb.EmbedQuery(ctx, "how many vacation days do I get?")
	if err != nil {
		t.Fatalf("EmbedQuery() failed: %v", err)
	}
	if len(query) != len(vecs[0]) {
		t.Fatalf("query dim %d differs from passage dim %d", len(query), len(vecs[0]))
	}

	t.Logf("model=%s dim=%d (set EMBEDDING_DIMENSIONS=%d for the knowledge collections)", model, len(query), len(query))
}
