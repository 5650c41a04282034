package debugctl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBreakpointSetClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignals()

	ok, err := s.HasBreakpoint(ctx, "ex1", "n1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetBreakpoint(ctx, "ex1", "n1"))
	require.NoError(t, s.SetBreakpoint(ctx, "ex1", "n2"))

	ok, err = s.HasBreakpoint(ctx, "ex1", "n1")
	require.NoError(t, err)
	require.True(t, ok)

	// Other executions are unaffected.
	ok, err = s.HasBreakpoint(ctx, "ex2", "n1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ClearBreakpoint(ctx, "ex1", "n1"))
	ok, _ = s.HasBreakpoint(ctx, "ex1", "n1")
	require.False(t, ok)
	ok, _ = s.HasBreakpoint(ctx, "ex1", "n2")
	require.True(t, ok)

	require.NoError(t, s.ClearBreakpoints(ctx, "ex1"))
	ok, _ = s.HasBreakpoint(ctx, "ex1", "n2")
	require.False(t, ok)
}

func TestTakeStepIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignals()

	taken, err := s.TakeStep(ctx, "ex1")
	require.NoError(t, err)
	require.False(t, taken)

	require.NoError(t, s.ArmStep(ctx, "ex1"))

	taken, err = s.TakeStep(ctx, "ex1")
	require.NoError(t, err)
	require.True(t, taken)

	taken, err = s.TakeStep(ctx, "ex1")
	require.NoError(t, err)
	require.False(t, taken)
}

func TestTakeStepConcurrentConsumesOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignals()
	require.NoError(t, s.ArmStep(ctx, "ex1"))

	const goroutines = 32
	var took atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			ok, err := s.TakeStep(ctx, "ex1")
			require.NoError(t, err)
			if ok {
				took.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), took.Load(), "step signal consumed more than once")
}

func TestEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignals()

	_, ok, err := s.TakeEvent(ctx, "ex1", "webhook")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.DeliverEvent(ctx, "ex1", "webhook", map[string]any{"body": "hello"}))

	payload, ok, err := s.TakeEvent(ctx, "ex1", "webhook")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"body": "hello"}, payload)

	_, ok, _ = s.TakeEvent(ctx, "ex1", "webhook")
	require.False(t, ok)
}

func TestClearDropsEverything(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignals()

	require.NoError(t, s.SetBreakpoint(ctx, "ex1", "n1"))
	require.NoError(t, s.ArmStep(ctx, "ex1"))
	require.NoError(t, s.RequestCancel(ctx, "ex1"))
	require.NoError(t, s.DeliverEvent(ctx, "ex1", "ev", 1))

	require.NoError(t, s.Clear(ctx, "ex1"))

	ok, _ := s.HasBreakpoint(ctx, "ex1", "n1")
	require.False(t, ok)
	taken, _ := s.TakeStep(ctx, "ex1")
	require.False(t, taken)
	cancelled, _ := s.CancelRequested(ctx, "ex1")
	require.False(t, cancelled)
	_, ok, _ = s.TakeEvent(ctx, "ex1", "ev")
	require.False(t, ok)
}
