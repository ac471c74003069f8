package query

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"credindex/internal/platform/redis"
)

// RedisCache adapts the platform Redis client to the query Cache interface.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a platform Redis client. Returns nil when the client
// is nil so callers can pass the result straight to WithCache only when
// Redis is configured.
func NewRedisCache(client *redis.Client) *RedisCache {
	if client == nil {
		return nil
	}
	return &RedisCache{client: client}
}

// Get returns the cached value, or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Set stores the value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

var _ Cache = (*RedisCache)(nil)
