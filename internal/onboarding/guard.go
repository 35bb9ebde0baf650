package onboarding

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard deduplicates in-flight step effects across provider sessions
// using SET NX with a TTL.
type RedisGuard struct {
	client *redis.Client
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, key, "1", ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}

// NoopGuard always acquires. Used where a single session is guaranteed,
// e.g. unit tests.
type NoopGuard struct{}

func (NoopGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NoopGuard) Release(ctx context.Context, key string) error { return nil }
