package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/54b3r/kbchat-go/internal/provider"
	"github.com/54b3r/kbchat-go/internal/version"
)

func TestPingers_Store(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	p := NewStorePinger(e.store)
	if p.Name() != "database" {
		t.Errorf("Name() = %q", p.Name())
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestPingers_LLM(t *testing.T) {
	t.Parallel()

	if p := NewLLMPinger(&provider.Config{Backend: provider.BackendGemini}); p != nil {
		t.Error("gemini has no token-free probe; expected a nil pinger")
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	p := NewLLMPinger(&provider.Config{
		Backend: provider.BackendOpenAI,
		OpenAI:  provider.ProviderOpenAI{APIKey: "bad", BaseURL: ts.URL + "/v1", Model: "m"},
	})
	if p == nil {
		t.Fatal("expected a pinger for the openai backend")
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q", p.Name())
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("a 401 from the models endpoint must fail the probe")
	}
}

func TestPingers_RedisUnreachable(t *testing.T) {
	t.Parallel()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	p := NewRedisPinger(client)
	if p.Name() != "redis" {
		t.Errorf("Name() = %q", p.Name())
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected an error pinging a closed port")
	}
}

func TestServer_Version(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	var info version.Info
	decode(t, e.do(t, http.MethodGet, "/api/version", "", nil), http.StatusOK, &info)
	if info.Version != version.Version || info.GoVersion == "" {
		t.Errorf("version = %+v", info)
	}
}
