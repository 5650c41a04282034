package flowgrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taulu/flowgrid/internal/engine"
	"github.com/taulu/flowgrid/internal/persistence"
	"github.com/taulu/flowgrid/internal/plan"
	"github.com/taulu/flowgrid/internal/taskqueue"
	"github.com/taulu/flowgrid/pkg/api"
)

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter = persistence.ExecutionFilter

// Re-exported sentinels.
var (
	ErrWorkflowNotFound  = persistence.ErrWorkflowNotFound
	ErrExecutionNotFound = persistence.ErrExecutionNotFound

	// ErrOverLimit is returned by Engine.Run when the tenant is at its
	// in-flight cap; the execution stays QUEUED. Worker pools re-queue the
	// job, RunSync waits for a slot.
	ErrOverLimit = engine.ErrOverLimit
)

// SubmitRequest asks for one execution of a workflow. Either WorkflowID or
// Graph must be set; Graph wins when both are. UserID and WorkspaceID
// identify the tenant and are required.
type SubmitRequest struct {
	WorkflowID string
	Graph      *api.Graph
	Input      any

	UserID      string
	WorkspaceID string
}

// Client is the embedding surface: workflow CRUD, execution submission and
// lookups. Submitted executions run when a worker pool drains the queue, or
// synchronously via RunSync.
type Client struct {
	registry  *api.Registry
	engine    *engine.Engine
	store     persistence.ExecutionStore
	workflows persistence.WorkflowStore
	queue     taskqueue.Queue
}

// NewClient assembles a Client and its engine over the given backends.
func NewClient(registry *api.Registry, b Backends, opts Options) (*Client, error) {
	eng, err := NewEngine(registry, b, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		registry:  registry,
		engine:    eng,
		store:     b.Store,
		workflows: b.Workflows,
		queue:     b.Queue,
	}, nil
}

// Engine exposes the underlying engine for worker pools.
func (c *Client) Engine() *engine.Engine { return c.engine }

// Registry exposes the node type registry.
func (c *Client) Registry() *api.Registry { return c.registry }

// SaveWorkflow validates the workflow's graph and upserts it.
func (c *Client) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if c.workflows == nil {
		return errors.New("flowgrid: no workflow store configured")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if _, err := plan.Validate(c.registry, wf.Graph); err != nil {
		return err
	}
	return c.workflows.SaveWorkflow(ctx, wf)
}

// GetWorkflow returns a workflow by id, or ErrWorkflowNotFound.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if c.workflows == nil {
		return nil, errors.New("flowgrid: no workflow store configured")
	}
	return c.workflows.GetWorkflow(ctx, id)
}

// ListWorkflows returns a workspace's workflows.
func (c *Client) ListWorkflows(ctx context.Context, workspaceID string) ([]*Workflow, error) {
	if c.workflows == nil {
		return nil, errors.New("flowgrid: no workflow store configured")
	}
	return c.workflows.ListWorkflows(ctx, workspaceID)
}

// DeleteWorkflow removes a workflow. Executions already submitted keep
// their frozen graph snapshots and are unaffected.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	if c.workflows == nil {
		return errors.New("flowgrid: no workflow store configured")
	}
	return c.workflows.DeleteWorkflow(ctx, id)
}

// Submit validates the request, freezes a graph snapshot, persists a QUEUED
// execution and enqueues it for the worker pool. The returned execution has
// not run yet.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*api.Execution, error) {
	return c.submit(ctx, req, true)
}

func (c *Client) submit(ctx context.Context, req SubmitRequest, enqueue bool) (*api.Execution, error) {
	if req.UserID == "" || req.WorkspaceID == "" {
		return nil, errors.New("flowgrid: user and workspace are required")
	}

	g := req.Graph
	workflowID := req.WorkflowID
	if g == nil {
		if workflowID == "" {
			return nil, errors.New("flowgrid: workflow id or graph is required")
		}
		wf, err := c.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if wf.WorkspaceID != req.WorkspaceID {
			return nil, ErrWorkflowNotFound
		}
		g = wf.Graph
	}

	// The snapshot is frozen at submission: edits to the workflow after
	// this point do not affect the run.
	g = g.Clone()
	if _, err := plan.Validate(c.registry, g); err != nil {
		return nil, fmt.Errorf("flowgrid: graph rejected: %w", err)
	}

	exec := &api.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		Status:      api.StatusQueued,
		Graph:       g,
		Input:       req.Input,
		CreatedAt:   time.Now(),
		Nodes:       map[string]*api.NodeExecution{},
	}
	if err := c.store.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}

	if enqueue && c.queue != nil {
		job := taskqueue.Job{
			ExecutionID: exec.ID,
			WorkflowID:  exec.WorkflowID,
			UserID:      exec.UserID,
			WorkspaceID: exec.WorkspaceID,
			Graph:       exec.Graph,
			Input:       exec.Input,
			EnqueuedAt:  exec.CreatedAt,
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("flowgrid: enqueue: %w", err)
		}
	}
	return exec, nil
}

// admissionPoll spaces out RunSync's retries while the tenant is at its
// in-flight cap.
const admissionPoll = 100 * time.Millisecond

// RunSync submits and runs an execution on the calling goroutine, bypassing
// the queue. When the tenant is at its concurrency cap it waits for a slot,
// so a second submission queues behind the first rather than failing.
// Intended for tests and CLI-style embedding.
func (c *Client) RunSync(ctx context.Context, req SubmitRequest) (*api.Execution, error) {
	exec, err := c.submit(ctx, req, false)
	if err != nil {
		return nil, err
	}
	for {
		err := c.engine.Run(ctx, exec)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, ErrOverLimit) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(admissionPoll):
		}
	}
}

// GetExecution returns an execution by id, or ErrExecutionNotFound.
func (c *Client) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return c.store.GetExecution(ctx, id)
}

// ListExecutions returns executions matching the filter.
func (c *Client) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	return c.store.ListExecutions(ctx, filter)
}
