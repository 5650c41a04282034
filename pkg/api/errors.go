package api

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned at the boundary when the role checker
// denies a debug or admin operation. The engine itself never raises it.
var ErrPermissionDenied = errors.New("permission denied")

// ValidationError describes a malformed graph. It is raised before any node
// is dispatched and is fully recoverable by the author.
type ValidationError struct {
	NodeID string
	EdgeID string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("invalid graph: node %s: %s", e.NodeID, e.Reason)
	case e.EdgeID != "":
		return fmt.Sprintf("invalid graph: edge %s: %s", e.EdgeID, e.Reason)
	default:
		return "invalid graph: " + e.Reason
	}
}

// NodeError is a node's own reported failure. Retryable failures are
// re-dispatched within the execution's retry budget; timeouts are recorded
// with Timeout set and retried only for idempotent node types.
type NodeError struct {
	NodeID    string
	Message   string
	Retryable bool
	Timeout   bool
}

func (e *NodeError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("node %s timed out: %s", e.NodeID, e.Message)
	}
	return fmt.Sprintf("node %s failed: %s", e.NodeID, e.Message)
}

// NewNodeError builds a NodeError for the given node.
func NewNodeError(nodeID, message string, retryable bool) *NodeError {
	return &NodeError{NodeID: nodeID, Message: message, Retryable: retryable}
}

// NewTimeoutError builds the failure recorded when a node exceeds its deadline.
func NewTimeoutError(nodeID string, message string) *NodeError {
	return &NodeError{NodeID: nodeID, Message: message, Timeout: true}
}

// AsNodeError returns the NodeError in err's chain, if any.
func AsNodeError(err error) (*NodeError, bool) {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// suspendError is returned by nodes that park the execution until an external
// event with the given name arrives (webhook-style wait points).
type suspendError struct {
	Event string
}

func (e *suspendError) Error() string {
	return "suspended awaiting event: " + e.Event
}

// NewSuspendError lets a node request suspension. The engine marks the node
// SUSPENDED and the execution PAUSED; delivering the named event re-dispatches
// the node with the event payload as input.
func NewSuspendError(event string) error {
	return &suspendError{Event: event}
}

// IsSuspend returns (eventName, true) if err indicates that the node wants
// to suspend until an external event.
func IsSuspend(err error) (string, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.Event, true
	}
	return "", false
}
