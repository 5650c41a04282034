package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/taulu/flowgrid/pkg/api"
)

func newTestSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteExecutionStore(t *testing.T) {
	store, err := NewSQLiteExecutionStore(newTestSQLiteDB(t))
	require.NoError(t, err)
	exerciseExecutionStore(t, store)
}

func TestSQLiteWorkflowStore(t *testing.T) {
	store, err := NewSQLiteWorkflowStore(newTestSQLiteDB(t))
	require.NoError(t, err)
	exerciseWorkflowStore(t, store)
}

func TestSQLiteExecutionStoreLease(t *testing.T) {
	store, err := NewSQLiteExecutionStore(newTestSQLiteDB(t))
	require.NoError(t, err)
	exerciseLease(t, store)
}

func TestSQLiteExecutionStoreLeaseExpires(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteExecutionStore(newTestSQLiteDB(t))
	require.NoError(t, err)

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.SaveExecution(ctx, newTestExecution("ex-1")))

	ok, err := store.TryAcquireLease(ctx, "ex-1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = store.TryAcquireLease(ctx, "ex-1", "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLiteExecutionStoreRecoverStuck(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteExecutionStore(newTestSQLiteDB(t))
	require.NoError(t, err)

	now := time.Now()
	store.now = func() time.Time { return now }

	stuck := newTestExecution("stuck")
	stuck.Status = api.StatusRunning
	require.NoError(t, store.SaveExecution(ctx, stuck))

	queued := newTestExecution("queued")
	require.NoError(t, store.SaveExecution(ctx, queued))

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
	require.False(t, got.FinishedAt.IsZero())

	got, err = store.GetExecution(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, got.Status)

	// A second sweep finds nothing.
	recovered, err = store.RecoverStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Empty(t, recovered)
}
