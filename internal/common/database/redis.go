// internal/common/database/redis.go
package database

import (
	"context"
	"fmt"
	"time"

	"marketplace-engine/internal/common/config"

	"github.com/redis/go-redis/v9"
)

// RedisClient owns the shared Redis connection used for the job read
// cache and the onboarding effect guard.
type RedisClient struct {
	Client *redis.Client
}

func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	return &RedisClient{Client: rdb}, nil
}

// Ping verifies Redis is reachable.
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *RedisClient) Close() error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetClient exposes the raw client for the store cache and effect guard.
func (c *RedisClient) GetClient() *redis.Client {
	return c.Client
}
