package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the execution engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay the scheduler loop.
type Observer interface {
	// OnExecutionStart is called once when an execution begins running,
	// before the first node is dispatched.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnExecutionPaused is called when an execution pauses on a breakpoint,
	// after a step, or on node suspension.
	OnExecutionPaused(ctx context.Context, exec *Execution, nodeID string)

	// OnExecutionCompleted is called when an execution reaches StatusSucceeded.
	OnExecutionCompleted(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution transitions to
	// StatusFailed or StatusCancelled.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)

	// OnNodeStart is called before invoking a node, after the ready check.
	OnNodeStart(ctx context.Context, exec *Execution, nodeID string)

	// OnNodeCompleted is called after a node invocation settles, for
	// successes, failures (err != nil), and cache hits alike.
	OnNodeCompleted(ctx context.Context, exec *Execution, nodeID string, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)                 {}
func (NoopObserver) OnExecutionPaused(ctx context.Context, exec *Execution, nodeID string) {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *Execution)             {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error)     {}
func (NoopObserver) OnNodeStart(ctx context.Context, exec *Execution, nodeID string)       {}
func (NoopObserver) OnNodeCompleted(ctx context.Context, exec *Execution, nodeID string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionPaused(ctx context.Context, exec *Execution, nodeID string) {
	for _, o := range c.observers {
		o.OnExecutionPaused(ctx, exec, nodeID)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, exec *Execution, nodeID string) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, exec, nodeID)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, exec *Execution, nodeID string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, exec, nodeID, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution / node lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("workspace_id", exec.WorkspaceID),
	)
}

func (o *LoggingObserver) OnExecutionPaused(ctx context.Context, exec *Execution, nodeID string) {
	o.Logger.InfoContext(ctx, "execution_paused",
		slog.String("execution_id", exec.ID),
		slog.String("node_id", nodeID),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, exec *Execution, nodeID string) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("execution_id", exec.ID),
		slog.String("node_id", nodeID),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, exec *Execution, nodeID string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("execution_id", exec.ID),
		slog.String("node_id", nodeID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	executionsPaused    atomic.Int64
	nodesCompleted      atomic.Int64
	totalNodeDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	ExecutionsPaused    int64
	InFlightExecutions  int64

	NodesCompleted  int64
	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionPaused(ctx context.Context, exec *Execution, nodeID string) {
	m.executionsPaused.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, exec *Execution, nodeID string, err error, d time.Duration) {
	// Only count successful nodes for average duration.
	if err == nil {
		m.nodesCompleted.Add(1)
		m.totalNodeDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	nodes := m.nodesCompleted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		ExecutionsPaused:    m.executionsPaused.Load(),
		InFlightExecutions:  started - completed - failed,
		NodesCompleted:      nodes,
		AvgNodeDuration:     avg,
	}
}
