package taskqueue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over a single Redis list so that multiple
// worker processes can share one job stream.
//
// The list key is <prefix>jobs; values are JSON-encoded Job structs.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue constructs a Redis-backed Queue.
// An empty prefix selects the default "flowgrid:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "flowgrid:"
	}
	return &RedisQueue{
		client: client,
		key:    prefix + "jobs",
	}
}

var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a job onto the Redis list (LPUSH).
func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	data, err := EncodeJob(j)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a job is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	res, err := q.client.BRPop(ctx, 0, q.key).Result()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		slog.Warn("redis queue: BRPOP returned unexpected result", "result", res)
		return nil, nil
	}
	return DecodeJob([]byte(res[1]))
}

// Len returns the approximate number of jobs queued (LLEN).
func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		slog.Warn("redis queue: LLEN failed", "error", err)
		return 0
	}
	return int(n)
}
