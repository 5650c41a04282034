package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type circuit struct {
	state         State
	failures      int
	lastError     string
	openedAt      time.Time
	halfOpenCalls int
}

// MemoryBreaker is an in-process Breaker for single-worker deployments and
// tests.
type MemoryBreaker struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewMemoryBreaker builds an in-memory breaker with the given settings.
func NewMemoryBreaker(settings Settings) *MemoryBreaker {
	return &MemoryBreaker{
		settings: settings.withDefaults(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

func (b *MemoryBreaker) get(nodeType string) *circuit {
	c, ok := b.circuits[nodeType]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[nodeType] = c
	}
	return c
}

func (b *MemoryBreaker) Allow(ctx context.Context, nodeType string) (bool, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[nodeType]
	if !ok || c.state == StateClosed {
		return true, "", nil
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) > b.settings.RecoveryTimeout {
			c.state = StateHalfOpen
			c.halfOpenCalls = 1
			return true, "", nil
		}
		return false, fmt.Sprintf("circuit open for node type %q: %s", nodeType, c.lastError), nil
	case StateHalfOpen:
		if c.halfOpenCalls < b.settings.HalfOpenMaxCalls {
			c.halfOpenCalls++
			return true, "", nil
		}
		return false, fmt.Sprintf("circuit half-open for node type %q: trial call budget exhausted", nodeType), nil
	}
	return true, "", nil
}

func (b *MemoryBreaker) RecordSuccess(ctx context.Context, nodeType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[nodeType]
	if !ok {
		return nil
	}
	c.failures = 0
	if c.state != StateClosed {
		c.state = StateClosed
		c.openedAt = time.Time{}
		c.halfOpenCalls = 0
	}
	return nil
}

func (b *MemoryBreaker) RecordFailure(ctx context.Context, nodeType string, execErr error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(nodeType)
	c.failures++
	if execErr != nil {
		c.lastError = execErr.Error()
	}
	if c.failures >= b.settings.FailureThreshold && c.state != StateOpen {
		c.state = StateOpen
		c.openedAt = b.now()
		c.halfOpenCalls = 0
	}
	return nil
}

func (b *MemoryBreaker) Status(ctx context.Context, nodeType string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		NodeType:  nodeType,
		State:     StateClosed,
		Threshold: b.settings.FailureThreshold,
	}
	c, ok := b.circuits[nodeType]
	if !ok {
		return st, nil
	}
	st.State = c.state
	st.ConsecutiveFailures = c.failures
	st.LastError = c.lastError
	st.OpenedAt = c.openedAt
	return st, nil
}

func (b *MemoryBreaker) Reset(ctx context.Context, nodeType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, nodeType)
	return nil
}
