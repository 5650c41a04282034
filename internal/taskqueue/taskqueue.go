// Package taskqueue carries admitted execution jobs from the submission
// path to the worker pool.
package taskqueue

import (
	"context"
	"time"

	"github.com/taulu/flowgrid/pkg/api"
)

// Job is one admitted execution waiting for a worker. The graph snapshot
// travels with the job so any worker process can drive the execution
// without a workflow-store round trip.
type Job struct {
	ExecutionID string     `json:"execution_id"`
	WorkflowID  string     `json:"workflow_id"`
	UserID      string     `json:"user_id"`
	WorkspaceID string     `json:"workspace_id"`
	Graph       *api.Graph `json:"graph"`
	Input       any        `json:"input,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
}

// Queue is the FIFO job channel between admission and the worker pool.
type Queue interface {
	// Enqueue adds a job, respecting ctx for cancellation.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue removes and returns the next job, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the approximate number of jobs queued.
	Len() int
}
