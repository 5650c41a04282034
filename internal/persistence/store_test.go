package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taulu/flowgrid/pkg/api"
)

func newTestExecution(id string) *api.Execution {
	return &api.Execution{
		ID:          id,
		WorkflowID:  "wf-1",
		UserID:      "u1",
		WorkspaceID: "ws1",
		Status:      api.StatusQueued,
		Graph: &api.Graph{
			Nodes: []api.NodeSpec{
				{ID: "a", Type: "passthrough", Config: map[string]any{"k": "v"}},
				{ID: "b", Type: "passthrough"},
			},
			Edges: []api.EdgeSpec{{ID: "e1", Source: "a", Target: "b"}},
		},
		Input:     map[string]any{"seed": float64(1)},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Nodes:     map[string]*api.NodeExecution{},
	}
}

// exerciseExecutionStore runs the behavior every ExecutionStore
// implementation must share.
func exerciseExecutionStore(t *testing.T, store ExecutionStore) {
	t.Helper()
	ctx := context.Background()

	exec := newTestExecution("ex-1")
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusQueued, got.Status)
	require.Equal(t, "ws1", got.WorkspaceID)
	require.Len(t, got.Graph.Nodes, 2)
	require.Len(t, got.Graph.Edges, 1)

	// Mutating the returned record must not affect the stored one.
	got.Status = api.StatusCancelled
	again, err := store.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusQueued, again.Status)

	// Update records node progress and status.
	exec.Status = api.StatusRunning
	ne := exec.NodeExec("a", "passthrough")
	ne.Status = api.NodeSucceeded
	ne.Output = "done"
	ne.Attempts = 1
	require.NoError(t, store.UpdateExecution(ctx, exec))

	got, err = store.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, got.Status)
	require.Equal(t, api.NodeSucceeded, got.Nodes["a"].Status)
	require.Equal(t, "done", got.Nodes["a"].Output)

	// Unknown ids are sentinel errors.
	_, err = store.GetExecution(ctx, "missing")
	require.ErrorIs(t, err, ErrExecutionNotFound)
	require.ErrorIs(t, store.UpdateExecution(ctx, newTestExecution("missing")), ErrExecutionNotFound)

	// Filters narrow listings.
	other := newTestExecution("ex-2")
	other.UserID = "u2"
	other.Status = api.StatusSucceeded
	require.NoError(t, store.SaveExecution(ctx, other))

	all, err := store.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	byUser, err := store.ListExecutions(ctx, ExecutionFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	require.Equal(t, "ex-2", byUser[0].ID)

	byStatus, err := store.ListExecutions(ctx, ExecutionFilter{Status: api.StatusRunning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "ex-1", byStatus[0].ID)
}

// exerciseLease runs the run-lease behavior every ExecutionStore
// implementation must share.
func exerciseLease(t *testing.T, store ExecutionStore) {
	t.Helper()
	ctx := context.Background()

	exec := newTestExecution("leased")
	require.NoError(t, store.SaveExecution(ctx, exec))

	// Unknown executions cannot be leased.
	ok, err := store.TryAcquireLease(ctx, "missing", "w1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.TryAcquireLease(ctx, "leased", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Held by w1: another worker is refused.
	ok, err = store.TryAcquireLease(ctx, "leased", "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Re-entrant for the holder.
	ok, err = store.TryAcquireLease(ctx, "leased", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing someone else's lease is a no-op.
	require.NoError(t, store.ReleaseLease(ctx, "leased", "w2"))
	ok, err = store.TryAcquireLease(ctx, "leased", "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "leased", "w1"))
	ok, err = store.TryAcquireLease(ctx, "leased", "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryExecutionStore(t *testing.T) {
	exerciseExecutionStore(t, NewMemoryExecutionStore())
}

func TestMemoryExecutionStoreLease(t *testing.T) {
	exerciseLease(t, NewMemoryExecutionStore())
}

func TestMemoryExecutionStoreLeaseExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.SaveExecution(ctx, newTestExecution("ex-1")))

	ok, err := store.TryAcquireLease(ctx, "ex-1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// An expired lease is up for grabs, crashed holder or not.
	now = now.Add(2 * time.Minute)
	ok, err = store.TryAcquireLease(ctx, "ex-1", "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryExecutionStoreRecoverStuck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	now := time.Now()
	store.now = func() time.Time { return now }

	stuck := newTestExecution("stuck")
	stuck.Status = api.StatusRunning
	require.NoError(t, store.SaveExecution(ctx, stuck))

	paused := newTestExecution("paused")
	paused.Status = api.StatusPaused
	require.NoError(t, store.SaveExecution(ctx, paused))

	// Move the clock forward; "fresh" is saved at the new time.
	now = now.Add(time.Hour)
	fresh := newTestExecution("fresh")
	fresh.Status = api.StatusRunning
	require.NoError(t, store.SaveExecution(ctx, fresh))

	recovered, err := store.RecoverStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, recovered)

	got, err := store.GetExecution(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, got.Status)
	require.Contains(t, got.Error, "worker lost")

	// Paused executions are debug sessions, not crashes.
	got, err = store.GetExecution(ctx, "paused")
	require.NoError(t, err)
	require.Equal(t, api.StatusPaused, got.Status)

	got, err = store.GetExecution(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, got.Status)
}

// exerciseWorkflowStore runs the behavior every WorkflowStore
// implementation must share.
func exerciseWorkflowStore(t *testing.T, store WorkflowStore) {
	t.Helper()
	ctx := context.Background()

	wf := &Workflow{
		ID:          "wf-1",
		Name:        "daily-report",
		WorkspaceID: "ws1",
		Graph:       &api.Graph{Nodes: []api.NodeSpec{{ID: "a", Type: "passthrough"}}},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	got, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "daily-report", got.Name)
	require.Len(t, got.Graph.Nodes, 1)

	// Saving the same id overwrites.
	wf.Name = "weekly-report"
	require.NoError(t, store.SaveWorkflow(ctx, wf))
	got, err = store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "weekly-report", got.Name)

	other := &Workflow{ID: "wf-2", Name: "other", WorkspaceID: "ws2", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.SaveWorkflow(ctx, other))

	inWs1, err := store.ListWorkflows(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, inWs1, 1)
	require.Equal(t, "wf-1", inWs1[0].ID)

	all, err := store.ListWorkflows(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, store.DeleteWorkflow(ctx, "wf-2"))
	require.ErrorIs(t, store.DeleteWorkflow(ctx, "wf-2"), ErrWorkflowNotFound)

	_, err = store.GetWorkflow(ctx, "wf-2")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestMemoryWorkflowStore(t *testing.T) {
	exerciseWorkflowStore(t, NewMemoryWorkflowStore())
}
