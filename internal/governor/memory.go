package governor

import (
	"context"
	"sync"
)

// MemoryCounters is an in-process Counters implementation for single-worker
// deployments and tests.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryCounters builds an empty in-memory counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[string]int64)}
}

func (m *MemoryCounters) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemoryCounters) Decr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[key] > 0 {
		m.counts[key]--
	}
	n := m.counts[key]
	if n == 0 {
		delete(m.counts, key)
	}
	return n, nil
}

func (m *MemoryCounters) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}
