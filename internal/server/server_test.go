package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbchat-go/internal/conversation"
	"github.com/54b3r/kbchat-go/internal/filestore"
	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/knowledge"
	"github.com/54b3r/kbchat-go/internal/responder"
	"github.com/54b3r/kbchat-go/internal/store"
)

// ---- Fake chat model ----

// fakeModel streams chunks, then either finishes, fails with midErr, or
// (when hold is set) waits for the request context to end.
type fakeModel struct {
	chunks []string
	midErr error
	hold   bool
}

func (f *fakeModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range f.chunks {
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
		if f.midErr != nil {
			sw.Send(nil, f.midErr)
			return
		}
		if f.hold {
			<-ctx.Done()
		}
	}()
	return sr, nil
}

// ---- Fake indexer ----

type fakeIndexer struct {
	mu        sync.Mutex
	ingestErr error
	ingested  int
}

func (f *fakeIndexer) Ingest(_ context.Context, _ ingestion.Request) (ingestion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested++
	if f.ingestErr != nil {
		return ingestion.Result{}, f.ingestErr
	}
	return ingestion.Result{ChunkCount: 2, ContentLength: 64}, nil
}

func (f *fakeIndexer) Retract(context.Context, int64, int64) error    { return nil }
func (f *fakeIndexer) DropKnowledgeBase(context.Context, int64) error { return nil }

// ---- Fake token verifier ----

// fakeVerifier accepts "user-1" and "user-2".
type fakeVerifier struct{}

func (fakeVerifier) Verify(raw string) (int64, error) {
	switch raw {
	case "user-1":
		return 1, nil
	case "user-2":
		return 2, nil
	}
	return 0, errors.New("bad token")
}

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

// testEnv is a fully wired server over an in-memory store.
type testEnv struct {
	srv   *Server
	store *store.Store
	model *fakeModel
	idx   *fakeIndexer
	reg   *prometheus.Registry
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	files, err := filestore.New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	idx := &fakeIndexer{}
	kb, err := knowledge.NewService(&knowledge.Config{Store: st, Files: files, Indexer: idx, MaxUploadBytes: 1 << 20})
	if err != nil {
		t.Fatalf("knowledge service: %v", err)
	}
	m := &fakeModel{chunks: []string{"Hello", ", ", "world"}}
	resp, err := responder.New(&responder.Config{ChatModel: m})
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	conv, err := conversation.NewService(&conversation.Config{Store: st, Knowledge: kb, Responder: resp})
	if err != nil {
		t.Fatalf("conversation service: %v", err)
	}

	reg := prometheus.NewRegistry()
	cfg := &Config{
		Logger:          slog.New(slog.DiscardHandler),
		Verifier:        fakeVerifier{},
		StreamAutosave:  true,
		RateLimit:       1000,
		RateBurst:       1000,
		UploadRateLimit: 1000,
		UploadRateBurst: 1000,
		MaxUploadBytes:  1 << 20,
		MetricsRegistry: reg,
		MetricsGatherer: reg,
	}
	for _, o := range opts {
		o(cfg)
	}
	srv, err := New(&Services{Knowledge: kb, Conversations: conv, Files: files}, cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(srv.stopRL)
	return &testEnv{srv: srv, store: st, model: m, idx: idx, reg: reg}
}

// do sends a request through the full handler chain as the user the token
// names. A non-nil body that is not an io.Reader is JSON-encoded.
func (e *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		rd = b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rd != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

// testEnvelope mirrors envelope with a raw payload.
type testEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// decode parses w's envelope, checks the status and unmarshals data into
// out when out is non-nil.
func decode(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, out any) testEnvelope {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, wantStatus, w.Body.String())
	}
	var env testEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v; body: %s", err, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v; data: %s", err, env.Data)
		}
	}
	return env
}

// createKnowledge creates a knowledge base owned by the token's user.
func (e *testEnv) createKnowledge(t *testing.T, token, name string, shared bool) store.Knowledge {
	t.Helper()
	var k store.Knowledge
	w := e.do(t, http.MethodPost, "/api/knowledge", token, map[string]any{"name": name, "is_shared": shared})
	decode(t, w, http.StatusOK, &k)
	return k
}

// createConversation creates an empty global conversation.
func (e *testEnv) createConversation(t *testing.T, token string) store.Conversation {
	t.Helper()
	var c conversation.Created
	w := e.do(t, http.MethodPost, "/api/conversations", token, map[string]any{"type": conversation.TypeGlobal})
	decode(t, w, http.StatusOK, &c)
	return c.Conversation
}

func TestServer_NewRequiresServices(t *testing.T) {
	t.Parallel()
	if _, err := New(&Services{}, nil); err == nil {
		t.Fatal("New() expected error for missing services")
	}
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/health", "", nil)
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}
}

func TestServer_InvalidPathID(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/conversations/abc", "user-1", nil)
	env := decode(t, w, http.StatusBadRequest, nil)
	if env.Code != 10003 {
		t.Errorf("code = %d, want 10003", env.Code)
	}
}
