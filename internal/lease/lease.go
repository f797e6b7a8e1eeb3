// Package lease tracks which sessions still have a live owner. A session
// whose lease expired was abandoned by a process that stopped renewing it.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/redis/go-redis/v9"
)

// Registry stores session leases with an expiry.
type Registry interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) error
	// Renew extends the leases of sessionIDs, recreating any that expired.
	Renew(ctx context.Context, sessionIDs []string, ttl time.Duration) error
	Release(ctx context.Context, sessionID string) error
	Alive(ctx context.Context, sessionID string) (bool, error)
	Close() error
}

// Open builds the registry selected by cfg.Backend.
func Open(ctx context.Context, cfg config.LeaseConfig, owner string, log *slog.Logger) (Registry, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryRegistry(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("lease registry connected to redis", slog.String("addr", cfg.RedisAddr))
		return NewRedisRegistry(client, owner), nil
	default:
		return nil, fmt.Errorf("unknown lease backend %q", cfg.Backend)
	}
}
