package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbchat-go/internal/conversation"
	"github.com/54b3r/kbchat-go/internal/filestore"
	"github.com/54b3r/kbchat-go/internal/knowledge"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. Streaming
	// routes clear it per request.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a single streamed response (default: 5m).
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per client on chat
	// endpoints (requests/second). Defaults to 10 if zero. A client is the
	// authenticated user, or the remote IP in development mode.
	RateLimit float64
	// RateBurst is the maximum instantaneous chat burst per client. Defaults
	// to 20 if zero.
	RateBurst int
	// UploadRateLimit is the per-client rate for file upload and reindex.
	// Defaults to 1 if zero.
	UploadRateLimit float64
	// UploadRateBurst is the per-client upload burst. Defaults to 5 if zero.
	UploadRateBurst int
	// Verifier validates bearer tokens. If nil, authentication is disabled
	// and every request acts as DevUserID (development mode).
	Verifier TokenVerifier
	// DevUserID is the user id assumed when Verifier is nil (default: 1).
	DevUserID int64
	// StreamAutosave persists the assistant reply of every streamed response
	// server-side. When false clients save it through
	// POST /api/conversations/{id}/assistant-message.
	StreamAutosave bool
	// MaxUploadBytes caps a multipart upload body (default: 50 MiB).
	MaxUploadBytes int64
	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// allows any origin.
	AllowedOrigins []string
	// Metrics receives request, chat and ingestion observations. If nil a
	// fresh set is registered against MetricsRegistry.
	Metrics *Metrics
	// MetricsRegistry is where metrics are registered when Metrics is nil.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer serves GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Services are the domain services the handlers call.
type Services struct {
	// Knowledge manages knowledge bases and their files.
	Knowledge *knowledge.Service
	// Conversations manages conversations and streamed responses.
	Conversations *conversation.Service
	// Files serves uploaded bytes under /static/.
	Files *filestore.Store
}

// TokenVerifier resolves a bearer token to a user id. *auth.Service
// satisfies it.
type TokenVerifier interface {
	Verify(raw string) (int64, error)
}

// Server is the HTTP server exposing knowledge bases, conversations and
// streamed chat.
type Server struct {
	// svc holds the domain services.
	svc *Services
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *Metrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// envelope is the JSON body of every non-streaming response.
type envelope struct {
	// Code is 200 on success or the error code of the failure kind.
	Code int `json:"code"`
	// Msg is "success" or a client-safe error description.
	Msg string `json:"msg"`
	// Data is the payload; null on most errors.
	Data any `json:"data"`
}

// streamRequest is the JSON body for POST /api/chat/stream.
type streamRequest struct {
	// ConversationID is the target conversation.
	ConversationID int64 `json:"conversation_id"`
	// Content is the user's message.
	Content string `json:"content"`
}

// sendMessageRequest is the JSON body for POST /api/conversations/messages.
type sendMessageRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

// assistantMessageRequest is the JSON body for
// POST /api/conversations/{id}/assistant-message.
// Content may be empty (a reply stopped before its first token) but not
// missing.
type assistantMessageRequest struct {
	Content   *string `json:"content"`
	IsSuccess *bool   `json:"is_success"`
}
