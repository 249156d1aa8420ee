// Package server implements the HTTP API for kbchat: knowledge base and
// file management, conversations, and streamed assistant responses over
// Server-Sent Events and WebSocket.
// The server is started by the `kbchat serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/version"
)

// defaultMaxUploadBytes caps multipart upload bodies when unset.
const defaultMaxUploadBytes = 50 << 20

// New constructs a Server from the provided services and config.
func New(svc *Services, cfg *Config) (*Server, error) {
	if svc == nil || svc.Knowledge == nil || svc.Conversations == nil || svc.Files == nil {
		return nil, fmt.Errorf("server: knowledge, conversation and file services must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)

	s := &Server{
		svc:     svc,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: cfg.Metrics,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(cfg.MetricsRegistry)
	}

	if cfg.Verifier == nil {
		s.log.Warn("server: authentication disabled, all requests act as the development user",
			slog.Int64("user_id", cfg.DevUserID),
		)
	}

	rl, stop := newRateLimiter(rateLimiterConfig{
		ChatRPS:     cfg.RateLimit,
		ChatBurst:   cfg.RateBurst,
		UploadRPS:   cfg.UploadRateLimit,
		UploadBurst: cfg.UploadRateBurst,
		PerUser:     cfg.Verifier != nil,
		OnReject:    s.metrics.observeRateLimited,
		Logger:      s.log,
	})
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.UploadRateLimit == 0 {
		cfg.UploadRateLimit = defaultUploadRateLimit
	}
	if cfg.UploadRateBurst == 0 {
		cfg.UploadRateBurst = defaultUploadRateBurst
	}
	if cfg.DevUserID == 0 {
		cfg.DevUserID = 1
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
}

// routes builds the request multiplexer. Protected routes are wrapped
// individually so the mux pattern stays visible to the request logger.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /static/{path...}", s.handleStatic)

	auth := func(h http.HandlerFunc) http.Handler { return s.authMiddleware(h) }
	limited := func(class limitClass, h http.HandlerFunc) http.Handler {
		return s.authMiddleware(rl.middleware(class, h))
	}

	mux.Handle("POST /api/knowledge", auth(s.handleKnowledgeCreate))
	mux.Handle("GET /api/knowledge", auth(s.handleKnowledgeList))
	mux.Handle("GET /api/knowledge/personal", auth(s.handleKnowledgePersonal))
	mux.Handle("GET /api/knowledge/joined", auth(s.handleKnowledgeJoined))
	mux.Handle("GET /api/knowledge/{id}", auth(s.handleKnowledgeGet))
	mux.Handle("POST /api/knowledge/{id}/join", auth(s.handleKnowledgeJoin))
	mux.Handle("POST /api/knowledge/{id}/leave", auth(s.handleKnowledgeLeave))
	mux.Handle("DELETE /api/knowledge/{id}", auth(s.handleKnowledgeDelete))

	mux.Handle("POST /api/files", limited(classUpload, s.handleFileUpload))
	mux.Handle("GET /api/files", auth(s.handleFileList))
	mux.Handle("GET /api/files/search", auth(s.handleFileSearch))
	mux.Handle("GET /api/files/type", auth(s.handleFileType))
	mux.Handle("DELETE /api/files/{id}", auth(s.handleFileDelete))
	mux.Handle("POST /api/files/{id}/reindex", limited(classUpload, s.handleFileReindex))

	mux.Handle("POST /api/conversations", limited(classChat, s.handleConversationCreate))
	mux.Handle("GET /api/conversations", auth(s.handleConversationList))
	mux.Handle("GET /api/conversations/current", auth(s.handleConversationCurrent))
	mux.Handle("GET /api/conversations/{id}", auth(s.handleConversationGet))
	mux.Handle("DELETE /api/conversations/{id}", auth(s.handleConversationDelete))
	mux.Handle("POST /api/conversations/messages", limited(classChat, s.handleMessageSend))
	mux.Handle("POST /api/conversations/{id}/assistant-message", auth(s.handleAssistantMessage))
	mux.Handle("DELETE /api/messages/{id}", auth(s.handleMessageDelete))

	mux.Handle("POST /api/chat/stream", limited(classChat, s.handleChatStream))
	mux.Handle("GET /api/ws", limited(classChat, s.handleWebSocket))

	return requestLogger(s.log, s.metrics, mux)
}

// Handler returns the root HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleVersion handles GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, version.Get())
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeJSON writes a success envelope around data.
func writeJSON(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, envelope{Code: http.StatusOK, Msg: "success", Data: data})
}

// writeError maps err to its status code and error envelope. Server-side
// failures are logged with their cause; the cause is never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorData(w, r, err, nil)
}

// writeErrorData is writeError with a payload, used when a partially
// successful operation has something to return.
func writeErrorData(w http.ResponseWriter, r *http.Request, err error, data any) {
	ae := apperr.From(err)
	status := ae.Kind.HTTPStatus()
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.String("kind", ae.Kind.String()), slog.Any("error", err))
	} else {
		log.Debug("request rejected", slog.String("kind", ae.Kind.String()), slog.Any("error", err))
	}
	writeEnvelope(w, status, envelope{Code: ae.Code(), Msg: ae.PublicMessage(), Data: data})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, err, "invalid request body")
	}
	return nil
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	return parseID(r.PathValue("id"), "id")
}

// queryID parses a required positive integer query parameter.
func queryID(r *http.Request, name string) (int64, error) {
	return parseID(r.URL.Query().Get(name), name)
}

func parseID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.KindInvalidArgument, "%s must be a positive integer", name)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter, returning 0 when
// absent or malformed.
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}

// userID returns the authenticated user. The auth middleware guarantees it
// is present on protected routes.
func userID(r *http.Request) int64 {
	id, _ := userFrom(r.Context())
	return id
}
