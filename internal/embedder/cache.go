package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"

	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/rag"
)

const (
	defaultCachePrefix = "emb:"
	defaultCacheTTL    = 7 * 24 * time.Hour
	defaultLocalMax    = 10000
)

// CacheConfig configures a CachedEmbedder.
type CacheConfig struct {
	// Redis is the shared L2 cache. Nil keeps only the in-process L1 map.
	Redis *redis.Client
	// Model namespaces keys so switching models never serves stale vectors.
	Model string
	// Prefix is the Redis key prefix. Defaults to "emb:".
	Prefix string
	// TTL is the Redis expiry. Defaults to 7 days.
	TTL time.Duration
	// LocalMax bounds the L1 LRU. Defaults to 10000 entries.
	LocalMax int
}

// CachedEmbedder wraps a rag.Embedder and caches query embeddings in a local
// LRU backed by Redis. Passage batches are passed through untouched since
// each passage is embedded once per ingestion.
type CachedEmbedder struct {
	inner  rag.Embedder
	redis  *redis.Client
	model  string
	prefix string
	ttl    time.Duration
	local  *lru.Cache
}

// NewCachedEmbedder wraps inner with a two-level query cache.
func NewCachedEmbedder(inner rag.Embedder, cfg *CacheConfig) *CachedEmbedder {
	c := &CachedEmbedder{
		inner:  inner,
		redis:  cfg.Redis,
		model:  cfg.Model,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
	if c.prefix == "" {
		c.prefix = defaultCachePrefix
	}
	if c.ttl <= 0 {
		c.ttl = defaultCacheTTL
	}
	size := cfg.LocalMax
	if size <= 0 {
		size = defaultLocalMax
	}
	// lru.New only fails for a non-positive size.
	c.local, _ = lru.New(size)
	return c
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("embedder: parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// EmbedBatch delegates to the wrapped embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

// EmbedQuery returns a cached vector when present, otherwise embeds and
// stores it. Cache failures are logged and never fail the call.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if vec, ok := c.getLocal(key); ok {
		return vec, nil
	}

	log := logging.FromContext(ctx)
	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var vec []float32
			if jsonErr := json.Unmarshal(data, &vec); jsonErr == nil {
				c.setLocal(key, vec)
				return vec, nil
			}
		case !errors.Is(err, redis.Nil):
			log.Warn("embedder: cache read failed", slog.Any("error", err))
		}
	}

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	c.setLocal(key, vec)
	if c.redis != nil {
		if data, jsonErr := json.Marshal(vec); jsonErr == nil {
			if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
				log.Warn("embedder: cache write failed", slog.Any("error", err))
			}
		}
	}
	return vec, nil
}

// key hashes the model and text into a fixed-length cache key.
func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + c.model + ":" + hex.EncodeToString(sum[:16])
}

// getLocal returns a copy of the cached vector so callers cannot mutate the
// cache.
func (c *CachedEmbedder) getLocal(key string) ([]float32, bool) {
	v, ok := c.local.Get(key)
	if !ok {
		return nil, false
	}
	return slices.Clone(v.([]float32)), true
}

// setLocal stores a copy of vec, evicting the least recently used entry when
// the cache is full.
func (c *CachedEmbedder) setLocal(key string, vec []float32) {
	c.local.Add(key, slices.Clone(vec))
}
