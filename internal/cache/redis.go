package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by Redis, shared across all workers.
// Values are JSON-encoded under <prefix><key> with a per-entry TTL.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a RedisCache.
// prefix is optional but recommended (e.g. "flowgrid:cache:").
func NewRedisCache(client *redis.Client, prefix string, defaultTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "flowgrid:cache:"
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisCache{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

func (c *RedisCache) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		// A corrupt entry is a miss, not a failure.
		return nil, false, nil
	}
	return value, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.SetEx(ctx, c.prefix+key, data, ttl).Err()
}
