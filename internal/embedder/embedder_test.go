package embedder

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// ---- Fake OpenAI-compatible server ----

// newEmbeddingServer returns a server that answers /embeddings with a
// deterministic vector per input, emitted in reverse order to exercise
// index placement.
func newEmbeddingServer(t *testing.T, check func(r *http.Request, body openaiEmbedRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openaiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if check != nil {
			check(r, body)
		}
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(body.Input))
		for i := len(body.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(len(body.Input[i])), float32(i)}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func TestOpenAIEmbedder_EmbedBatchOrdersByIndex(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	var gotBody openaiEmbedRequest
	srv := newEmbeddingServer(t, func(r *http.Request, body openaiEmbedRequest) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody = body
	})
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{
		Name:       "dashscope",
		BaseURL:    srv.URL + "/compatible-mode/v1",
		APIKey:     "sk-test",
		Model:      "text-embedding-v4",
		Dimensions: 1024,
	})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if int(v[1]) != i || int(v[0]) != i+1 {
			t.Errorf("vector %d misplaced: %v", i, v)
		}
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/compatible-mode/v1/embeddings" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Dimensions != 1024 || gotBody.Model != "text-embedding-v4" || gotBody.EncodingFormat != "float" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestOpenAIEmbedder_Azure(t *testing.T) {
	t.Parallel()

	var gotKey, gotURI string
	srv := newEmbeddingServer(t, func(r *http.Request, _ openaiEmbedRequest) {
		gotKey = r.Header.Get("api-key")
		gotURI = r.URL.RequestURI()
	})
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    srv.URL + "/openai",
		APIKey:     "az",
		Model:      "emb",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})
	if _, err := e.EmbedQuery(context.Background(), "q"); err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if gotKey != "az" {
		t.Errorf("api-key = %q", gotKey)
	}
	if gotURI != "/openai/deployments/emb/embeddings?api-version=2025-04-01-preview" {
		t.Errorf("uri = %q", gotURI)
	}
}

func TestOpenAIEmbedder_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{Name: "dashscope", BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "dashscope embedder: rate limited") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenAIEmbedder_CountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"embedding":[1],"index":0}]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if _, err := e.EmbedBatch(context.Background(), []string{"x", "y"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestOpenAIEmbedder_EmptyBatchSkipsRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	vecs, err := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL}).EmbedBatch(context.Background(), nil)
	if err != nil || len(vecs) != 0 {
		t.Fatalf("got %v, %v", vecs, err)
	}
	if calls.Load() != 0 {
		t.Errorf("unexpected HTTP call")
	}
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{float32(i)}
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: out})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "bge-m3"})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Errorf("unexpected vectors: %v", vecs)
	}
}

// ---- Counting embedder ----

type countingEmbedder struct {
	queries atomic.Int32
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (c *countingEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	c.queries.Add(1)
	return []float32{float32(len(text))}, nil
}

func TestCachedEmbedder_LocalHit(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, &CacheConfig{Model: "m"})
	ctx := context.Background()

	for range 3 {
		v, err := c.EmbedQuery(ctx, "hello")
		if err != nil || v[0] != 5 {
			t.Fatalf("EmbedQuery: %v, %v", v, err)
		}
	}
	if n := inner.queries.Load(); n != 1 {
		t.Errorf("inner called %d times, want 1", n)
	}

	if _, err := c.EmbedQuery(ctx, "other"); err != nil {
		t.Fatal(err)
	}
	if n := inner.queries.Load(); n != 2 {
		t.Errorf("inner called %d times, want 2", n)
	}
}

func TestCachedEmbedder_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, &CacheConfig{LocalMax: 4})
	ctx := context.Background()
	query := func(q string) {
		t.Helper()
		if _, err := c.EmbedQuery(ctx, q); err != nil {
			t.Fatal(err)
		}
	}

	for _, q := range []string{"a", "b", "c", "d"} {
		query(q)
	}
	query("a") // refresh a; b is now the oldest
	query("e") // evicts b
	if n := c.local.Len(); n != 4 {
		t.Errorf("local cache holds %d entries, want 4", n)
	}
	if n := inner.queries.Load(); n != 5 {
		t.Fatalf("inner called %d times, want 5", n)
	}

	query("a")
	if n := inner.queries.Load(); n != 5 {
		t.Errorf("recently used entry was evicted (inner called %d times)", n)
	}
	query("b")
	if n := inner.queries.Load(); n != 6 {
		t.Errorf("least recently used entry was kept (inner called %d times)", n)
	}
}

func TestCachedEmbedder_ReturnsCopies(t *testing.T) {
	t.Parallel()

	c := NewCachedEmbedder(&countingEmbedder{}, &CacheConfig{})
	ctx := context.Background()

	first, err := c.EmbedQuery(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	first[0] = -1
	hit, err := c.EmbedQuery(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	hit[0] = -2
	again, err := c.EmbedQuery(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if again[0] != 5 {
		t.Errorf("cached vector = %v, want [5]", again)
	}
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	t.Parallel()

	a := NewCachedEmbedder(&countingEmbedder{}, &CacheConfig{Model: "v3"})
	b := NewCachedEmbedder(&countingEmbedder{}, &CacheConfig{Model: "v4"})
	if a.key("x") == b.key("x") {
		t.Error("keys for different models collide")
	}
	if !strings.HasPrefix(a.key("x"), "emb:v3:") {
		t.Errorf("unexpected key %q", a.key("x"))
	}
}

func TestNewFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"dashscope default", map[string]string{"DASHSCOPE_API_KEY": "k"}, ""},
		{"dashscope missing key", map[string]string{}, "DASHSCOPE_API_KEY"},
		{"ollama", map[string]string{"EMBEDDING_PROVIDER": "ollama"}, ""},
		{"openai missing key", map[string]string{"EMBEDDING_PROVIDER": "openai"}, "OPENAI_API_KEY"},
		{"azure missing endpoint", map[string]string{"EMBEDDING_PROVIDER": "azure", "AZURE_OPENAI_API_KEY": "k"}, "AZURE_OPENAI_ENDPOINT"},
		{"unknown", map[string]string{"EMBEDDING_PROVIDER": "nope"}, "unknown backend"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{"EMBEDDING_PROVIDER", "MODEL_PROVIDER", "DASHSCOPE_API_KEY", "EMBEDDING_API_KEY",
				"OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "EMBEDDING_ENDPOINT"} {
				t.Setenv(k, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := NewFromEnv()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
			if vErr := Validate(slog.New(slog.DiscardHandler)); vErr == nil {
				t.Errorf("Validate accepted a configuration NewFromEnv rejects")
			}
		})
	}
}

func TestDefaultDimensions(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	if got := DefaultDimensions("dashscope"); got != 1024 {
		t.Errorf("dashscope = %d, want 1024", got)
	}
	if got := DefaultDimensions("openai"); got != 1536 {
		t.Errorf("openai = %d, want 1536", got)
	}
	t.Setenv("EMBEDDING_DIMENSIONS", "512")
	if got := DefaultDimensions("dashscope"); got != 512 {
		t.Errorf("override = %d, want 512", got)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()
	for model, want := range map[string]bool{
		"qwen-plus":              true,
		"gpt-4o":                 true,
		"text-embedding-v4":      false,
		"bge-m3":                 false,
		"qwen3-embedding:latest": false,
	} {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}
