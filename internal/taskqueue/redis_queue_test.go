package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taulu/flowgrid/internal/testutil"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, "flowgrid:test:queue:")
	if err := client.Del(context.Background(), "flowgrid:test:queue:jobs").Err(); err != nil {
		t.Fatalf("cleanup queue key: %v", err)
	}
	return q, client
}

func TestRedisQueue_FIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, Job{ExecutionID: id, WorkflowID: "wf"}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.ExecutionID != want {
			t.Fatalf("expected execution %q, got %q", want, got.ExecutionID)
		}
	}
}

func TestRedisQueue_DequeueHonorsContextCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	q, _ := newTestRedisQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected Dequeue to fail due to context cancellation")
	}
}
