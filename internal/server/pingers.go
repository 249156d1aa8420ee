package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"

	"github.com/54b3r/kbchat-go/internal/provider"
)

// LLMPinger probes the chat backend with its zero-token health check.
type LLMPinger struct {
	check provider.HealthCheckConfig
	name  string
}

// NewLLMPinger returns a pinger for the backend, or nil when the backend has
// no token-free probe.
func NewLLMPinger(cfg *provider.Config) *LLMPinger {
	hc := cfg.HealthCheck()
	if hc == nil {
		return nil
	}
	return &LLMPinger{check: hc, name: string(cfg.Backend)}
}

// Name returns the backend label.
func (p *LLMPinger) Name() string { return p.name }

// Ping runs the backend health check.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if err := p.check.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns "qdrant".
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// RedisPinger probes the embedding cache.
type RedisPinger struct {
	client redis.UniversalClient
}

// NewRedisPinger constructs a RedisPinger.
func NewRedisPinger(client redis.UniversalClient) *RedisPinger {
	return &RedisPinger{client: client}
}

// Name returns "redis".
func (p *RedisPinger) Name() string { return "redis" }

// Ping sends PING.
func (p *RedisPinger) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// storePinger is the subset of *store.Store the readiness probe needs.
type storePinger interface {
	Ping(ctx context.Context) error
}

// StorePinger probes the relational database.
type StorePinger struct {
	db storePinger
}

// NewStorePinger constructs a StorePinger.
func NewStorePinger(db storePinger) *StorePinger {
	return &StorePinger{db: db}
}

// Name returns "database".
func (p *StorePinger) Name() string { return "database" }

// Ping checks the database connection.
func (p *StorePinger) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
