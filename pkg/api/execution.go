package api

import "time"

// Status represents the lifecycle state of an execution.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a final state. Terminal states are never
// left again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSuspended NodeStatus = "SUSPENDED"
	NodeSucceeded NodeStatus = "SUCCEEDED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// NodeExecution is the record of one node dispatched within an execution.
// It is created when the node becomes ready and sealed on completion.
type NodeExecution struct {
	NodeID    string        `json:"node_id"`
	Type      string        `json:"type"`
	Status    NodeStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Output holds the node's result value, or a storage reference string
	// when the value was externalized.
	Output any `json:"output,omitempty"`

	Error string   `json:"error,omitempty"`
	Logs  []string `json:"logs,omitempty"`

	// WaitingFor names the external event a SUSPENDED node is parked on.
	WaitingFor string `json:"waiting_for,omitempty"`

	// Attempts counts invocations, including retries.
	Attempts int `json:"attempts,omitempty"`

	// FromCache marks results served from the result cache without dispatch.
	FromCache bool `json:"from_cache,omitempty"`
}

// Execution is one run of a frozen graph snapshot. The engine owns it for
// its lifetime; status transitions are the only mutations allowed.
type Execution struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`

	Status Status `json:"status"`
	Graph  *Graph `json:"graph"`
	Input  any    `json:"input,omitempty"`

	// Output is the value of the last node to succeed, for single-sink graphs
	// the graph's result.
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Nodes map[string]*NodeExecution `json:"nodes"`
}

// NodeExec returns the node execution record for id, creating it in
// NodePending state if absent.
func (e *Execution) NodeExec(id, typ string) *NodeExecution {
	if e.Nodes == nil {
		e.Nodes = make(map[string]*NodeExecution)
	}
	ne, ok := e.Nodes[id]
	if !ok {
		ne = &NodeExecution{NodeID: id, Type: typ, Status: NodePending}
		e.Nodes[id] = ne
	}
	return ne
}
