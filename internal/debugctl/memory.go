package debugctl

import (
	"context"
	"sync"
)

// MemorySignals is an in-process Signals implementation for tests and the
// local runner. A single mutex covers all maps; every operation is a single
// critical section, which gives the same atomic check-and-clear semantics
// the shared backends provide.
type MemorySignals struct {
	mu          sync.Mutex
	breakpoints map[string]map[string]bool // execution id -> node id -> set
	steps       map[string]bool
	cancels     map[string]bool
	events      map[string]map[string]any // execution id -> event -> payload
}

var _ Signals = (*MemorySignals)(nil)

// NewMemorySignals returns an empty in-memory signal store.
func NewMemorySignals() *MemorySignals {
	return &MemorySignals{
		breakpoints: make(map[string]map[string]bool),
		steps:       make(map[string]bool),
		cancels:     make(map[string]bool),
		events:      make(map[string]map[string]any),
	}
}

func (s *MemorySignals) SetBreakpoint(ctx context.Context, executionID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp := s.breakpoints[executionID]
	if bp == nil {
		bp = make(map[string]bool)
		s.breakpoints[executionID] = bp
	}
	bp[nodeID] = true
	return nil
}

func (s *MemorySignals) ClearBreakpoint(ctx context.Context, executionID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints[executionID], nodeID)
	return nil
}

func (s *MemorySignals) ClearBreakpoints(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints, executionID)
	return nil
}

func (s *MemorySignals) HasBreakpoint(ctx context.Context, executionID, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakpoints[executionID][nodeID], nil
}

func (s *MemorySignals) ArmStep(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[executionID] = true
	return nil
}

func (s *MemorySignals) TakeStep(ctx context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[executionID] {
		delete(s.steps, executionID)
		return true, nil
	}
	return false, nil
}

func (s *MemorySignals) RequestCancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[executionID] = true
	return nil
}

func (s *MemorySignals) CancelRequested(ctx context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[executionID], nil
}

func (s *MemorySignals) DeliverEvent(ctx context.Context, executionID, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[executionID]
	if ev == nil {
		ev = make(map[string]any)
		s.events[executionID] = ev
	}
	ev[event] = payload
	return nil
}

func (s *MemorySignals) TakeEvent(ctx context.Context, executionID, event string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[executionID]
	if !ok {
		return nil, false, nil
	}
	payload, ok := ev[event]
	if !ok {
		return nil, false, nil
	}
	delete(ev, event)
	return payload, true, nil
}

func (s *MemorySignals) Clear(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints, executionID)
	delete(s.steps, executionID)
	delete(s.cancels, executionID)
	delete(s.events, executionID)
	return nil
}
