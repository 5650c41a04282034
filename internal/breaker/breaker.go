// Package breaker implements a per-node-type circuit breaker. Node types
// that fail repeatedly are temporarily disabled so an outage in one
// connector does not burn every execution's retry budget against it.
//
// The circuit moves closed -> open after a run of consecutive failures,
// open -> half-open once the recovery window elapses, and half-open ->
// closed on the first success (or back to open on another failure). The
// breaker is advisory and fails open: a broken breaker store never blocks
// execution.
package breaker

import (
	"context"
	"time"
)

// State names a circuit's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Defaults match the behavior operators expect from connector outages:
// five straight failures trip the circuit, recovery is probed after five
// minutes with at most three trial calls.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 5 * time.Minute
	DefaultHalfOpenMaxCalls = 3
)

// Settings tunes a breaker. Zero values select the defaults.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return s
}

// Status is a point-in-time view of one circuit, for operator tooling.
type Status struct {
	NodeType            string    `json:"node_type"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Threshold           int       `json:"threshold"`
	LastError           string    `json:"last_error,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks failure circuits keyed by node type.
type Breaker interface {
	// Allow reports whether a dispatch of the given node type may proceed.
	// When it returns false, reason explains the refusal.
	Allow(ctx context.Context, nodeType string) (allowed bool, reason string, err error)

	// RecordSuccess resets the failure run and closes a recovering circuit.
	RecordSuccess(ctx context.Context, nodeType string) error

	// RecordFailure extends the failure run and opens the circuit at the
	// threshold.
	RecordFailure(ctx context.Context, nodeType string, execErr error) error

	// Status returns the circuit's current state.
	Status(ctx context.Context, nodeType string) (Status, error)

	// Reset clears a circuit entirely (operator override).
	Reset(ctx context.Context, nodeType string) error
}
