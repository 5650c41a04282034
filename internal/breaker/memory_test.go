package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClosedCircuitAllows(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBreaker(Settings{})

	allowed, reason, err := b.Allow(ctx, "http.request")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Empty(t, reason)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBreaker(Settings{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "http.request", errors.New("connection refused")))
	}

	allowed, reason, err := b.Allow(ctx, "http.request")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Contains(t, reason, "circuit open")
	require.Contains(t, reason, "connection refused")

	st, err := b.Status(ctx, "http.request")
	require.NoError(t, err)
	require.Equal(t, StateOpen, st.State)
	require.Equal(t, 3, st.ConsecutiveFailures)
}

func TestSuccessResetsFailureRun(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBreaker(Settings{FailureThreshold: 3})

	require.NoError(t, b.RecordFailure(ctx, "http.request", errors.New("boom")))
	require.NoError(t, b.RecordFailure(ctx, "http.request", errors.New("boom")))
	require.NoError(t, b.RecordSuccess(ctx, "http.request"))
	require.NoError(t, b.RecordFailure(ctx, "http.request", errors.New("boom")))

	allowed, _, err := b.Allow(ctx, "http.request")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestHalfOpenAfterRecoveryWindow(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 2})

	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.RecordFailure(ctx, "smtp.send", errors.New("boom")))

	allowed, _, err := b.Allow(ctx, "smtp.send")
	require.NoError(t, err)
	require.False(t, allowed)

	// After the recovery window the circuit admits trial calls.
	now = now.Add(2 * time.Minute)
	allowed, _, err = b.Allow(ctx, "smtp.send")
	require.NoError(t, err)
	require.True(t, allowed)

	st, err := b.Status(ctx, "smtp.send")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, st.State)

	// Second trial call allowed, third refused.
	allowed, _, err = b.Allow(ctx, "smtp.send")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, reason, err := b.Allow(ctx, "smtp.send")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Contains(t, reason, "half-open")
}

func TestSuccessClosesRecoveringCircuit(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.RecordFailure(ctx, "smtp.send", errors.New("boom")))
	now = now.Add(2 * time.Minute)

	allowed, _, err := b.Allow(ctx, "smtp.send")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.RecordSuccess(ctx, "smtp.send"))

	st, err := b.Status(ctx, "smtp.send")
	require.NoError(t, err)
	require.Equal(t, StateClosed, st.State)
	require.Zero(t, st.ConsecutiveFailures)
}

func TestResetClearsCircuit(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBreaker(Settings{FailureThreshold: 1})

	require.NoError(t, b.RecordFailure(ctx, "http.request", errors.New("boom")))
	require.NoError(t, b.Reset(ctx, "http.request"))

	allowed, _, err := b.Allow(ctx, "http.request")
	require.NoError(t, err)
	require.True(t, allowed)

	st, err := b.Status(ctx, "http.request")
	require.NoError(t, err)
	require.Equal(t, StateClosed, st.State)
}
