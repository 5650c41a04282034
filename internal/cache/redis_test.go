package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taulu/flowgrid/internal/testutil"
)

func newRedisTestCache(t *testing.T) *RedisCache {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	c := NewRedisCache(client, "flowgrid:test:cache:", time.Minute)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, "flowgrid:test:cache:*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
	})
	return c
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newRedisTestCache(t)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "k1", map[string]any{"rows": []any{"a", "b"}}, 0))

	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"rows": []any{"a", "b"}}, v)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newRedisTestCache(t)

	require.NoError(t, c.Put(ctx, "short", "v", time.Second))

	require.Eventually(t, func() bool {
		_, ok, err := c.Get(ctx, "short")
		return err == nil && !ok
	}, 5*time.Second, 200*time.Millisecond)
}
