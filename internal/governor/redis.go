package governor

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "flowgrid:governor:"

// RedisCounters stores in-flight counts in Redis so that every worker
// process enforces the same limits.
type RedisCounters struct {
	client *redis.Client
	prefix string
}

// NewRedisCounters builds a Counters implementation over the given client.
// An empty prefix selects the default "flowgrid:governor:".
func NewRedisCounters(client *redis.Client, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (r *RedisCounters) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.prefix+key).Result()
}

func (r *RedisCounters) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	// A crashed worker that never claimed its slot can drive the count
	// negative. Clamp so the next claim starts from zero.
	if n < 0 {
		if err := r.client.Set(ctx, r.prefix+key, 0, 0).Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return n, nil
}

func (r *RedisCounters) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
