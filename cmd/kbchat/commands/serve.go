package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/kbchat-go/internal/auth"
	"github.com/54b3r/kbchat-go/internal/conversation"
	"github.com/54b3r/kbchat-go/internal/knowledge"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/provider"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/responder"
	"github.com/54b3r/kbchat-go/internal/server"
	"github.com/54b3r/kbchat-go/internal/tracing"
)

// NewServeCmd constructs the `kbchat serve` command, which starts the HTTP
// API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbchat HTTP server",
		Long: `Start the kbchat HTTP server.

The server exposes the REST API for knowledge bases, files and
conversations, streams replies over SSE (POST /api/chat/stream) and
WebSocket (GET /api/ws), and serves uploaded files under /static/.

Required services:
  Qdrant               QDRANT_HOST, QDRANT_PORT (default: localhost:6334)
  Chat model           MODEL_PROVIDER and the backend's credentials
  Embeddings           EMBEDDING_PROVIDER (inherits MODEL_PROVIDER)

Optional:
  JWT_SECRET           Enables bearer token authentication
  REDIS_URL            Shared query embedding cache
  LANGFUSE_*           Tracing

Examples:
  kbchat serve
  kbchat serve --port 9090
  MODEL_PROVIDER=ollama kbchat serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Langfuse tracing is opt-in.
			if handler, flush, ok := tracing.Setup(tracing.FromEnv()); ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY or LANGFUSE_SECRET_KEY not set"))
			}

			providerCfg := provider.ConfigFromEnv()
			chatModel, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("model", providerCfg.ModelName()),
			)

			db, err := openStore(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = db.Close() }()

			files, err := openFiles()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			emb, err := buildEmbedding(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer emb.close()

			index, err := openQdrant(log, emb.dimension)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeIndex(log, index)

			metrics := server.NewMetrics(prometheus.DefaultRegisterer)

			pipeline, err := buildPipeline(log, emb.embedder, index, metrics)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			retriever, err := rag.NewRetriever(emb.embedder, index, rag.DefaultTopK)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			resp, err := responder.New(&responder.Config{
				ChatModel:        chatModel,
				Retriever:        retriever,
				MaxContextTokens: getEnvInt("MODEL_CONTEXT_TOKENS", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			kb, err := knowledge.NewService(&knowledge.Config{
				Store:          db,
				Files:          files,
				Indexer:        pipeline,
				MaxUploadBytes: int64(getEnvInt("KBCHAT_MAX_UPLOAD_MB", 50)) << 20,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			convs, err := conversation.NewService(&conversation.Config{
				Store:     db,
				Knowledge: kb,
				Responder: resp,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers := []server.Pinger{
				server.NewStorePinger(db),
				server.NewQdrantPinger(index.Client()),
			}
			if p := server.NewLLMPinger(providerCfg); p != nil {
				pingers = append(pingers, p)
			}
			if emb.redis != nil {
				pingers = append(pingers, server.NewRedisPinger(emb.redis))
			}

			srvCfg := &server.Config{
				Host:            getEnvOrDefault("KBCHAT_HOST", host),
				Port:            getEnvInt("KBCHAT_PORT", port),
				ChatTimeout:     getEnvDuration("KBCHAT_CHAT_TIMEOUT", 0),
				Logger:          log,
				Pingers:         pingers,
				RateLimit:       getEnvFloat("KBCHAT_RATE_LIMIT", 0),
				RateBurst:       getEnvInt("KBCHAT_RATE_BURST", 0),
				UploadRateLimit: getEnvFloat("KBCHAT_UPLOAD_RATE_LIMIT", 0),
				UploadRateBurst: getEnvInt("KBCHAT_UPLOAD_RATE_BURST", 0),
				DevUserID:       int64(getEnvInt("KBCHAT_DEV_USER_ID", 1)),
				StreamAutosave:  getEnvBool("KBCHAT_STREAM_AUTOSAVE", true),
				MaxUploadBytes:  int64(getEnvInt("KBCHAT_MAX_UPLOAD_MB", 50)) << 20,
				AllowedOrigins:  getEnvList("KBCHAT_ALLOWED_ORIGINS"),
				Metrics:         metrics,
			}
			// Flags win over the environment when given explicitly.
			if cmd.Flags().Changed("host") {
				srvCfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				srvCfg.Port = port
			}

			verifier, err := authFromEnv()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if verifier != nil {
				srvCfg.Verifier = verifier
			}

			srv, err := server.New(&server.Services{
				Knowledge:     kb,
				Conversations: convs,
				Files:         files,
			}, srvCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// authFromEnv returns the token service for JWT_SECRET, or nil when the
// secret is unset (development mode).
func authFromEnv() (*auth.Service, error) {
	secret := getEnvOrDefault("JWT_SECRET", "")
	if secret == "" {
		return nil, nil
	}
	return auth.NewService(secret, getEnvOrDefault("JWT_ISSUER", "kbchat"), getEnvDuration("JWT_TTL", auth.DefaultTTL))
}
