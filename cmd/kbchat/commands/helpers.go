package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/54b3r/kbchat-go/internal/chunker"
	"github.com/54b3r/kbchat-go/internal/embedder"
	"github.com/54b3r/kbchat-go/internal/extractor"
	"github.com/54b3r/kbchat-go/internal/filestore"
	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/rag"
	"github.com/54b3r/kbchat-go/internal/store"
)

// openStore opens the database at KBCHAT_DB, or the default path under
// ~/.kbchat.
func openStore(log *slog.Logger) (*store.Store, error) {
	path := os.Getenv("KBCHAT_DB")
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info("store: opened", slog.String("path", path))
	return db, nil
}

// openFiles opens the uploads directory at KBCHAT_UPLOADS_DIR (default ./uploads).
func openFiles() (*filestore.Store, error) {
	return filestore.New(getEnvOrDefault("KBCHAT_UPLOADS_DIR", filestore.DefaultRoot))
}

// embedding bundles the embedder with the optional Redis client backing its
// query cache.
type embedding struct {
	embedder  rag.Embedder
	redis     *redis.Client
	dimension int
}

// close releases the Redis client, if any.
func (e *embedding) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

// buildEmbedding validates the embedding configuration and wraps the
// embedder with the query cache. REDIS_URL adds a shared cache tier.
func buildEmbedding(log *slog.Logger) (*embedding, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	inner, err := embedder.NewFromEnv()
	if err != nil {
		return nil, err
	}
	backend := embedder.Backend()
	out := &embedding{dimension: embedder.DefaultDimensions(backend)}

	model := backend
	if m, ok := inner.(interface{ Model() string }); ok {
		model = backend + ":" + m.Model()
	}
	cacheCfg := &embedder.CacheConfig{Model: model}
	if url := os.Getenv("REDIS_URL"); url != "" {
		client, err := embedder.NewRedisClient(url)
		if err != nil {
			return nil, err
		}
		out.redis = client
		cacheCfg.Redis = client
		log.Info("embedder: redis query cache enabled")
	}
	out.embedder = embedder.NewCachedEmbedder(inner, cacheCfg)

	log.Info("embedder: initialised",
		slog.String("backend", backend),
		slog.String("model", model),
		slog.Int("dimension", out.dimension),
	)
	return out, nil
}

// openQdrant connects to the Qdrant instance named by QDRANT_HOST/QDRANT_PORT.
func openQdrant(log *slog.Logger, dimension int) (*rag.QdrantIndex, error) {
	cfg := &rag.QdrantConfig{
		Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
		Port:       getEnvInt("QDRANT_PORT", 6334),
		VectorSize: uint64(dimension), //nolint:gosec // dimensions are small and positive
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     getEnvBool("QDRANT_TLS", false),
	}
	idx, err := rag.NewQdrantIndex(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("qdrant: connected", slog.String("host", cfg.Host), slog.Int("port", cfg.Port))
	return idx, nil
}

// buildPipeline assembles the ingestion pipeline. OCR is enabled when the
// tesseract binary is on PATH.
func buildPipeline(log *slog.Logger, emb rag.Embedder, index rag.KnowledgeIndex, rec ingestion.Recorder) (*ingestion.Pipeline, error) {
	extCfg := &extractor.Config{OCRLanguages: os.Getenv("OCR_LANGUAGES")}
	if ocr, err := extractor.NewTesseractRecognizer(); err != nil {
		log.Warn("extractor: image OCR unavailable", slog.Any("error", err))
	} else {
		extCfg.OCR = ocr
	}

	splitter := chunker.New(&chunker.Config{
		ChunkSize:    getEnvInt("CHUNK_SIZE", chunker.DefaultChunkSize),
		ChunkOverlap: getEnvInt("CHUNK_OVERLAP", chunker.DefaultChunkOverlap),
		Logger:       log,
	})

	return ingestion.NewPipeline(extractor.New(extCfg), splitter, emb, index, &ingestion.Config{
		BatchSize:  getEnvInt("INGEST_BATCH_SIZE", ingestion.DefaultBatchSize),
		BatchDelay: getEnvDuration("INGEST_BATCH_DELAY", ingestion.DefaultBatchDelay),
		Recorder:   rec,
	})
}

// closeIndex closes a vector index, logging failures.
func closeIndex(log *slog.Logger, index rag.KnowledgeIndex) {
	if err := index.Close(); err != nil {
		log.Warn("index: close failed", slog.Any("error", err))
	}
}

// parseMeta turns repeated key=value flags into a metadata map.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		meta[k] = strings.TrimSpace(v)
	}
	return meta, nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration parses a Go duration ("50ms", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
