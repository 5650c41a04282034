package governor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryAdmitWithinLimits(t *testing.T) {
	ctx := context.Background()
	g := New(NewMemoryCounters(), Limits{MaxPerUser: 2, MaxPerWorkspace: 3})

	ok, err := g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	// Third submission for the same user is over the per-user cap.
	ok, err = g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.False(t, ok)

	// The rejected attempt did not leak a workspace slot.
	_, ws, err := g.InFlight(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.Equal(t, int64(2), ws)
}

func TestTryAdmitWorkspaceLimitRollsBackUserSlot(t *testing.T) {
	ctx := context.Background()
	g := New(NewMemoryCounters(), Limits{MaxPerUser: 10, MaxPerWorkspace: 1})

	ok, err := g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	// A different user in the same workspace is rejected, and its tentative
	// user slot is rolled back.
	ok, err = g.TryAdmit(ctx, "u2", "ws1")
	require.NoError(t, err)
	require.False(t, ok)

	user, _, err := g.InFlight(ctx, "u2", "ws1")
	require.NoError(t, err)
	require.Zero(t, user)
}

func TestReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	g := New(NewMemoryCounters(), Limits{MaxPerUser: 1, MaxPerWorkspace: 1})

	ok, err := g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.Release(ctx, "u1", "ws1"))

	ok, err = g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	g := New(NewMemoryCounters(), Limits{MaxPerUser: 4, MaxPerWorkspace: 4})

	var admitted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.TryAdmit(ctx, "u1", "ws1")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 4, admitted)
}

func TestMemoryCountersDecrClampsAtZero(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounters()

	n, err := c.Decr(ctx, "user:ghost")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = c.Incr(ctx, "user:ghost")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
