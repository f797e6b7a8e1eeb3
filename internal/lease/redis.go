package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "transcribe:lease:"

// RedisRegistry shares leases between processes pointing at the same store.
type RedisRegistry struct {
	client *redis.Client
	owner  string
}

func NewRedisRegistry(client *redis.Client, owner string) *RedisRegistry {
	return &RedisRegistry{client: client, owner: owner}
}

func (r *RedisRegistry) key(sessionID string) string {
	return leaseKeyPrefix + sessionID
}

func (r *RedisRegistry) Acquire(ctx context.Context, sessionID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(sessionID), r.owner, ttl).Err()
}

func (r *RedisRegistry) Renew(ctx context.Context, sessionIDs []string, ttl time.Duration) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range sessionIDs {
			pipe.Set(ctx, r.key(id), r.owner, ttl)
		}
		return nil
	})
	return err
}

func (r *RedisRegistry) Release(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

func (r *RedisRegistry) Alive(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
