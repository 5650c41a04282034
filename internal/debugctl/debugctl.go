// Package debugctl is the debug control plane: an out-of-process signal
// store recording per-(execution, node) breakpoints, one-shot step signals,
// cooperative cancel flags, and resume events for suspended nodes.
//
// The engine consults it before every node dispatch. State is shared across
// worker processes, since a paused execution may be resumed by any worker;
// implementations must make TakeStep and TakeEvent atomic check-and-clear so
// a signal is never consumed twice under concurrent access.
package debugctl

import "context"

// Signals is the store interface consumed by the engine and the debug API.
type Signals interface {
	// SetBreakpoint records a breakpoint for (executionID, nodeID).
	SetBreakpoint(ctx context.Context, executionID, nodeID string) error

	// ClearBreakpoint removes one breakpoint. Clearing a breakpoint that
	// does not exist is a no-op.
	ClearBreakpoint(ctx context.Context, executionID, nodeID string) error

	// ClearBreakpoints removes every breakpoint for the execution.
	ClearBreakpoints(ctx context.Context, executionID string) error

	// HasBreakpoint reports whether a breakpoint exists for (executionID, nodeID).
	HasBreakpoint(ctx context.Context, executionID, nodeID string) (bool, error)

	// ArmStep arms the one-shot step signal: execute exactly the next ready
	// node, then re-pause.
	ArmStep(ctx context.Context, executionID string) error

	// TakeStep atomically consumes the step signal if armed.
	TakeStep(ctx context.Context, executionID string) (bool, error)

	// RequestCancel flags the execution for cooperative cancellation.
	RequestCancel(ctx context.Context, executionID string) error

	// CancelRequested reports whether a cancel has been requested.
	CancelRequested(ctx context.Context, executionID string) (bool, error)

	// DeliverEvent records a resume event for a suspended node.
	DeliverEvent(ctx context.Context, executionID, event string, payload any) error

	// TakeEvent atomically consumes a delivered event, returning its payload.
	TakeEvent(ctx context.Context, executionID, event string) (any, bool, error)

	// Clear drops all signals for the execution. Called on terminal
	// transitions so stale signals cannot leak onto a reused id.
	Clear(ctx context.Context, executionID string) error
}
