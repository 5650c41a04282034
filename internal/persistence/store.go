// Package persistence defines the storage contracts for workflow
// definitions and execution records, with in-memory, SQLite and Postgres
// implementations.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/taulu/flowgrid/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound is returned when an execution record is not found.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Workflow is a stored workflow definition. The graph is versioned as a
// whole; an execution always runs against the frozen snapshot it was
// submitted with, never the live definition.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	WorkspaceID string     `json:"workspace_id"`
	Graph       *api.Graph `json:"graph"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WorkflowStore handles storage of workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// ListWorkflows returns the definitions in a workspace. An empty
	// workspace id means "all workspaces".
	ListWorkflows(ctx context.Context, workspaceID string) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionFilter selects execution records. Empty string / zero status
// mean "no filter" for that field.
type ExecutionFilter struct {
	WorkflowID  string
	WorkspaceID string
	UserID      string
	Status      api.Status
}

// ExecutionStore handles storage of execution records, including the
// per-node status map.
type ExecutionStore interface {
	// SaveExecution inserts a new record.
	SaveExecution(ctx context.Context, exec *api.Execution) error

	// UpdateExecution overwrites an existing record. Returns
	// ErrExecutionNotFound if the record does not exist.
	UpdateExecution(ctx context.Context, exec *api.Execution) error

	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error)

	// RecoverStuck marks RUNNING executions that have not been touched for
	// at least olderThan as FAILED, and returns their ids. Run at worker
	// startup to clean up after crashed workers.
	RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error)

	// TryAcquireLease attempts to take the run lease on an execution. A
	// lease held by another owner that has not expired yields
	// acquired=false, err=nil; a lease held by the same owner is
	// re-entrant. Only the lease holder may drive the execution's
	// scheduler loop.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)

	// ReleaseLease releases the lease if it is held by owner. Idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// stuckError is recorded on executions failed by RecoverStuck.
const stuckError = "worker lost: execution abandoned in RUNNING state"
