// Package engine drives one execution's scheduler loop: readiness
// computation over the validated plan, breakpoint and step handling,
// input merging, cache lookups, timeout-bounded dispatch, retry and skip
// propagation, and terminal bookkeeping.
//
// The loop is single-threaded per execution; node invocations run in their
// own goroutine under a deadline but the loop waits for each to settle
// before mutating the ready set. Cross-execution state (signals, cache,
// governor counters) lives behind injected interfaces so any worker
// process can drive any execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taulu/flowgrid/internal/blob"
	"github.com/taulu/flowgrid/internal/breaker"
	"github.com/taulu/flowgrid/internal/cache"
	"github.com/taulu/flowgrid/internal/deadletter"
	"github.com/taulu/flowgrid/internal/debugctl"
	"github.com/taulu/flowgrid/internal/governor"
	"github.com/taulu/flowgrid/internal/persistence"
	"github.com/taulu/flowgrid/internal/plan"
	"github.com/taulu/flowgrid/pkg/api"
)

// Options tunes scheduler behavior. Zero values select the defaults.
type Options struct {
	// DefaultTimeout bounds a single node invocation when the node type
	// does not override it.
	DefaultTimeout time.Duration

	// RetryBudget is the number of re-dispatches granted to a retryable
	// failure, on top of the first attempt.
	RetryBudget int

	// RetryBackoff is the base delay before a retry; it doubles per attempt.
	RetryBackoff time.Duration

	// CacheTTL is the default lifetime of cached node results.
	CacheTTL time.Duration
}

const (
	defaultTimeout      = 30 * time.Second
	defaultRetryBudget  = 2
	defaultRetryBackoff = 100 * time.Millisecond
	defaultCacheTTL     = time.Hour
)

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = defaultTimeout
	}
	if o.RetryBudget < 0 {
		o.RetryBudget = defaultRetryBudget
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	return o
}

// ErrOverLimit reports that admission was refused because the user or
// workspace is at its in-flight cap. The execution is left QUEUED; the
// caller decides when to retry it.
var ErrOverLimit = errors.New("engine: concurrency limit reached")

// Config wires an Engine. Registry, Store and Signals are required; every
// other collaborator is optional and degrades to a no-op.
type Config struct {
	Registry *api.Registry
	Store    persistence.ExecutionStore
	Signals  debugctl.Signals

	Cache       cache.Cache
	Blobs       *blob.Manager
	DeadLetters deadletter.Store
	Governor    *governor.Governor
	Breaker     breaker.Breaker
	Vault       api.CredentialVault
	Observer    api.Observer
	Audit       api.AuditSink

	Options Options
}

// Engine executes frozen graph snapshots.
type Engine struct {
	registry *api.Registry
	store    persistence.ExecutionStore
	signals  debugctl.Signals

	cache       cache.Cache
	blobs       *blob.Manager
	deadLetters deadletter.Store
	governor    *governor.Governor
	breaker     breaker.Breaker
	vault       api.CredentialVault
	observer    api.Observer
	audit       api.AuditSink

	opts Options
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine: execution store is required")
	}
	if cfg.Signals == nil {
		return nil, errors.New("engine: debug signals are required")
	}
	e := &Engine{
		registry:    cfg.Registry,
		store:       cfg.Store,
		signals:     cfg.Signals,
		cache:       cfg.Cache,
		blobs:       cfg.Blobs,
		deadLetters: cfg.DeadLetters,
		governor:    cfg.Governor,
		breaker:     cfg.Breaker,
		vault:       cfg.Vault,
		observer:    cfg.Observer,
		audit:       cfg.Audit,
		opts:        cfg.Options.withDefaults(),
	}
	if e.vault == nil {
		e.vault = api.NoopVault{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.audit == nil {
		e.audit = api.NoopAudit{}
	}
	return e, nil
}

// run-local dispatch state that does not survive a pause.
type runState struct {
	plan *plan.Plan

	// timeoutRetried marks nodes that already used their single
	// idempotent-retry after a timeout.
	timeoutRetried map[string]bool

	// eventPayloads holds consumed resume events, keyed by node id.
	eventPayloads map[string]any

	// stepping is set once a step signal has been consumed; the node about
	// to dispatch runs, then the execution re-pauses.
	stepping bool
}

// Run drives exec until it reaches a terminal status or pauses. It is
// called for fresh executions and re-entered after every resume; node
// statuses persisted on the execution record carry the progress across
// calls.
//
// The returned error reports engine-level problems (store failures,
// cancelled worker context). Node failures are recorded on the execution,
// not returned.
func (e *Engine) Run(ctx context.Context, exec *api.Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// A panic that escapes node dispatch is an engine defect: fail
			// the execution and route it to the dead-letter store.
			err = e.fail(ctx, exec, fmt.Errorf("internal engine fault: %v", r))
		}
	}()

	p, verr := plan.Validate(e.registry, exec.Graph)
	if verr != nil {
		return e.fail(ctx, exec, verr)
	}

	fresh := exec.Status == api.StatusQueued
	if fresh && e.governor != nil {
		// Admission is non-blocking: a refused fresh execution stays QUEUED
		// and the caller re-queues it, so over-limit work never pins a
		// worker. Paused executions keep their slot, so a resume never
		// re-admits.
		ok, err := e.governor.TryAdmit(ctx, exec.UserID, exec.WorkspaceID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOverLimit
		}
	}
	exec.Status = api.StatusRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		if !errors.Is(err, persistence.ErrExecutionNotFound) {
			return err
		}
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return err
		}
	}
	if fresh {
		e.observer.OnExecutionStart(ctx, exec)
	}

	rs := &runState{
		plan:           p,
		timeoutRetried: make(map[string]bool),
		eventPayloads:  make(map[string]any),
	}

	for {
		if err := ctx.Err(); err != nil {
			// Worker shutdown: leave the record RUNNING for RecoverStuck.
			return err
		}

		cancelled, err := e.signals.CancelRequested(ctx, exec.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return e.finalize(ctx, exec, api.StatusCancelled, errors.New("execution cancelled"))
		}

		nodeID, ok, err := e.nextReady(ctx, exec, rs)
		if err != nil {
			return err
		}
		if !ok {
			return e.settle(ctx, exec, rs)
		}

		paused, err := e.checkPause(ctx, exec, rs, nodeID)
		if err != nil {
			return err
		}
		if paused {
			return nil
		}

		if err := e.dispatch(ctx, exec, rs, nodeID); err != nil {
			return err
		}

		ne := exec.Nodes[nodeID]
		if ne.Status == api.NodeSuspended {
			return e.pause(ctx, exec, nodeID)
		}
		if rs.stepping {
			rs.stepping = false
			return e.pause(ctx, exec, nodeID)
		}
	}
}

// nextReady scans the plan in insertion order for the first dispatchable
// node, marking skip-propagated nodes along the way. It also promotes
// suspended nodes whose resume event has arrived. Passes repeat until a
// scan neither dispatches nor skips, so skip cascades settle even when the
// graph lists downstream nodes before their sources.
func (e *Engine) nextReady(ctx context.Context, exec *api.Execution, rs *runState) (string, bool, error) {
	for {
		changed := false
		for _, id := range rs.plan.Order {
			spec, _ := exec.Graph.Node(id)
			ne := exec.NodeExec(id, spec.Type)

			switch ne.Status {
			case api.NodeSuspended:
				payload, ok, err := e.signals.TakeEvent(ctx, exec.ID, ne.WaitingFor)
				if err != nil {
					return "", false, err
				}
				if ok {
					rs.eventPayloads[id] = payload
					return id, true, nil
				}
			case api.NodePending:
				ready, skip := e.readiness(exec, rs, id)
				if skip {
					ne.Status = api.NodeSkipped
					changed = true
					continue
				}
				if ready {
					return id, true, nil
				}
			}
		}
		if !changed {
			return "", false, nil
		}
	}
}

// readiness decides whether a pending node may dispatch now, or must be
// skipped outright.
func (e *Engine) readiness(exec *api.Execution, rs *runState, id string) (ready, skip bool) {
	for _, dep := range rs.plan.Deps[id] {
		switch nodeStatus(exec, dep) {
		case api.NodeSucceeded:
		case api.NodeSkipped, api.NodeFailed:
			// Upstream did not produce a value: the skip cascades.
			return false, true
		default:
			return false, false
		}
	}

	sources := rs.plan.ErrorSources[id]
	if len(sources) == 0 {
		return true, false
	}
	// Error-handling branch: armed by any failing source, skipped once
	// every source settled without failing.
	settled := 0
	for _, src := range sources {
		switch nodeStatus(exec, src) {
		case api.NodeFailed:
			return true, false
		case api.NodeSucceeded, api.NodeSkipped:
			settled++
		}
	}
	if settled == len(sources) {
		return false, true
	}
	return false, false
}

func nodeStatus(exec *api.Execution, id string) api.NodeStatus {
	if ne, ok := exec.Nodes[id]; ok {
		return ne.Status
	}
	return api.NodePending
}

// checkPause consults the debug control plane before dispatch. Returns
// true when the execution paused on a breakpoint.
func (e *Engine) checkPause(ctx context.Context, exec *api.Execution, rs *runState, nodeID string) (bool, error) {
	bp, err := e.signals.HasBreakpoint(ctx, exec.ID, nodeID)
	if err != nil {
		return false, err
	}
	if bp {
		return true, e.pause(ctx, exec, nodeID)
	}

	if !rs.stepping {
		step, err := e.signals.TakeStep(ctx, exec.ID)
		if err != nil {
			return false, err
		}
		rs.stepping = step
	}
	return false, nil
}

func (e *Engine) pause(ctx context.Context, exec *api.Execution, nodeID string) error {
	exec.Status = api.StatusPaused
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.observer.OnExecutionPaused(ctx, exec, nodeID)
	return nil
}

// settle decides the terminal status once no node is dispatchable.
func (e *Engine) settle(ctx context.Context, exec *api.Execution, rs *runState) error {
	for _, id := range rs.plan.Order {
		if nodeStatus(exec, id) == api.NodeSuspended {
			// Parked on an external event: stay paused.
			return e.pause(ctx, exec, id)
		}
	}

	var failedNode *api.NodeExecution
	for _, id := range rs.plan.Order {
		ne := exec.Nodes[id]
		if ne == nil || ne.Status != api.NodeFailed {
			continue
		}
		if e.failureHandled(exec, rs, id) {
			continue
		}
		failedNode = ne
		break
	}

	if failedNode != nil {
		return e.finalize(ctx, exec, api.StatusFailed,
			api.NewNodeError(failedNode.NodeID, failedNode.Error, false))
	}

	// Output of the execution is the value of the last node to succeed in
	// plan order.
	for i := len(rs.plan.Order) - 1; i >= 0; i-- {
		if ne := exec.Nodes[rs.plan.Order[i]]; ne != nil && ne.Status == api.NodeSucceeded {
			exec.Output = ne.Output
			break
		}
	}
	return e.finalize(ctx, exec, api.StatusSucceeded, nil)
}

// failureHandled reports whether a failed node's error branches all ran to
// success, in which case the failure does not fail the execution.
func (e *Engine) failureHandled(exec *api.Execution, rs *runState, id string) bool {
	branches := rs.plan.ErrorBranches[id]
	if len(branches) == 0 {
		return false
	}
	for _, b := range branches {
		if nodeStatus(exec, b) != api.NodeSucceeded {
			return false
		}
	}
	return true
}

// finalize seals the execution: persists the terminal status, releases the
// concurrency slot, clears debug signals, captures a dead-letter artifact
// for failures, and notifies the observer.
func (e *Engine) finalize(ctx context.Context, exec *api.Execution, status api.Status, cause error) error {
	// Still QUEUED means the run failed before admission, e.g. on a graph
	// that does not validate: there is no concurrency slot to give back.
	admitted := exec.Status != api.StatusQueued
	exec.Status = status
	exec.FinishedAt = time.Now()
	if cause != nil && exec.Error == "" {
		exec.Error = cause.Error()
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		if !errors.Is(err, persistence.ErrExecutionNotFound) {
			return err
		}
		// Failed before the record ever reached the store, e.g. a graph
		// that does not validate.
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return err
		}
	}

	if e.governor != nil && admitted {
		_ = e.governor.Release(ctx, exec.UserID, exec.WorkspaceID)
	}
	_ = e.signals.Clear(ctx, exec.ID)

	e.audit.Record(ctx, "execution.finished", exec.UserID, exec.WorkspaceID, map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(status),
	})

	switch status {
	case api.StatusSucceeded:
		e.observer.OnExecutionCompleted(ctx, exec)
	case api.StatusFailed:
		if e.deadLetters != nil {
			artifact := deadletter.NewArtifact(exec, cause)
			_ = e.deadLetters.Capture(ctx, artifact)
		}
		e.observer.OnExecutionFailed(ctx, exec, cause)
	case api.StatusCancelled:
		e.observer.OnExecutionFailed(ctx, exec, cause)
	}
	return nil
}

// fail is finalize for errors raised before or outside the loop.
func (e *Engine) fail(ctx context.Context, exec *api.Execution, cause error) error {
	exec.Error = cause.Error()
	return e.finalize(ctx, exec, api.StatusFailed, cause)
}
