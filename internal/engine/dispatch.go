package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taulu/flowgrid/internal/cache"
	"github.com/taulu/flowgrid/pkg/api"
)

// dispatch runs one ready node to a settled state: succeeded, failed,
// suspended, or retried within budget. Engine-level errors (store or
// signal failures, worker shutdown) are returned; node outcomes are
// recorded on the execution.
func (e *Engine) dispatch(ctx context.Context, exec *api.Execution, rs *runState, nodeID string) error {
	spec, _ := exec.Graph.Node(nodeID)
	desc, _ := e.registry.Describe(spec.Type)
	ne := exec.NodeExec(nodeID, spec.Type)

	input, err := e.mergeInput(ctx, exec, rs, nodeID, spec)
	if err != nil {
		// A dangling storage reference is a failure of the dependent node,
		// never an engine crash.
		return e.markFailed(ctx, exec, ne, api.NewNodeError(nodeID, err.Error(), false))
	}

	if payload, ok := rs.eventPayloads[nodeID]; ok {
		delete(rs.eventPayloads, nodeID)
		input.Value = payload
		input.Ports["event"] = payload
		ne.WaitingFor = ""
	}

	var fingerprint string
	if desc.Cacheable && e.cache != nil {
		// An unencodable input has no stable fingerprint: neither read nor
		// write the cache for this dispatch.
		fp, ferr := cache.Fingerprint(exec.WorkspaceID, spec.Type, spec.Config, input.Value)
		if ferr == nil {
			fingerprint = fp
		}
	}
	if fingerprint != "" {
		if v, hit, cerr := e.cache.Get(ctx, fingerprint); cerr == nil && hit {
			ne.Status = api.NodeSucceeded
			ne.Output = v
			ne.FromCache = true
			e.observer.OnNodeCompleted(ctx, exec, nodeID, nil, 0)
			return e.store.UpdateExecution(ctx, exec)
		}
	}

	if e.breaker != nil {
		allowed, reason, berr := e.breaker.Allow(ctx, spec.Type)
		if berr == nil && !allowed {
			return e.markFailed(ctx, exec, ne, api.NewNodeError(nodeID, reason, false))
		}
	}

	if desc.CredentialID != "" {
		secrets, verr := e.vault.Secret(ctx, desc.CredentialID)
		if verr != nil {
			return e.markFailed(ctx, exec, ne,
				api.NewNodeError(nodeID, "credential lookup failed: "+verr.Error(), false))
		}
		input.Secrets = secrets
	}

	for {
		var mu sync.Mutex
		var logs []string
		input.Logf = func(format string, args ...any) {
			mu.Lock()
			logs = append(logs, fmt.Sprintf(format, args...))
			mu.Unlock()
		}

		ne.Status = api.NodeRunning
		ne.StartedAt = time.Now()
		ne.Attempts++
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		e.observer.OnNodeStart(ctx, exec, nodeID)

		result, derr := e.invoke(ctx, spec, desc, input)
		duration := time.Since(ne.StartedAt)
		ne.Duration = duration

		mu.Lock()
		ne.Logs = append(ne.Logs, logs...)
		mu.Unlock()

		// Worker shutdown mid-node: propagate without sealing the record so
		// stuck-recovery can reclaim it.
		if derr != nil && ctx.Err() != nil && errors.Is(derr, context.Canceled) {
			return derr
		}

		if event, ok := api.IsSuspend(derr); ok {
			ne.Status = api.NodeSuspended
			ne.WaitingFor = event
			e.observer.OnNodeCompleted(ctx, exec, nodeID, nil, duration)
			return e.store.UpdateExecution(ctx, exec)
		}

		if derr == nil {
			output := result.Value
			if e.blobs != nil {
				if offloaded, oerr := e.blobs.Offload(ctx, result.Value); oerr == nil {
					output = offloaded
				}
			}
			ne.Status = api.NodeSucceeded
			ne.Output = output
			ne.Error = ""
			if fingerprint != "" {
				ttl := desc.CacheTTL
				if ttl <= 0 {
					ttl = e.opts.CacheTTL
				}
				// Best-effort: a write failure never fails the execution.
				_ = e.cache.Put(ctx, fingerprint, result.Value, ttl)
			}
			if e.breaker != nil {
				_ = e.breaker.RecordSuccess(ctx, spec.Type)
			}
			e.observer.OnNodeCompleted(ctx, exec, nodeID, nil, duration)
			return e.store.UpdateExecution(ctx, exec)
		}

		nerr := asNodeFailure(nodeID, derr)
		if e.breaker != nil {
			_ = e.breaker.RecordFailure(ctx, spec.Type, nerr)
		}
		e.observer.OnNodeCompleted(ctx, exec, nodeID, nerr, duration)

		if e.shouldRetry(rs, desc, ne, nerr) {
			ne.Status = api.NodePending
			ne.Error = nerr.Message
			if err := e.store.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			if err := e.backoff(ctx, ne.Attempts); err != nil {
				return err
			}
			continue
		}

		return e.markFailed(ctx, exec, ne, nerr)
	}
}

// shouldRetry applies the retry policy: retryable failures get the
// configured budget; timeouts get a single retry, and only for node types
// that declare idempotent retry.
func (e *Engine) shouldRetry(rs *runState, desc api.Descriptor, ne *api.NodeExecution, nerr *api.NodeError) bool {
	if nerr.Timeout {
		if !desc.IdempotentRetry || rs.timeoutRetried[ne.NodeID] {
			return false
		}
		rs.timeoutRetried[ne.NodeID] = true
		return true
	}
	return nerr.Retryable && ne.Attempts <= e.opts.RetryBudget
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	delay := e.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// invoke runs the node under its wall-clock deadline. The invocation gets
// its own goroutine so an overrunning node is abandoned, not joined; the
// deadline on its context is the best-effort cancellation signal.
func (e *Engine) invoke(ctx context.Context, spec api.NodeSpec, desc api.Descriptor, input api.NodeInput) (api.NodeResult, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result api.NodeResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: api.NewNodeError(spec.ID, fmt.Sprintf("node panic: %v", r), false)}
			}
		}()
		node, err := e.registry.New(spec.Type, spec.Config)
		if err != nil {
			done <- outcome{err: api.NewNodeError(spec.ID, err.Error(), false)}
			return
		}
		result, err := node.Execute(cctx, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, context.DeadlineExceeded) {
			return api.NodeResult{}, api.NewTimeoutError(spec.ID, fmt.Sprintf("exceeded %s", timeout))
		}
		return o.result, o.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return api.NodeResult{}, err
		}
		return api.NodeResult{}, api.NewTimeoutError(spec.ID, fmt.Sprintf("exceeded %s", timeout))
	}
}

// mergeInput assembles the node input from upstream outputs per the node's
// incoming edges, dereferencing storage references transparently. Root
// nodes receive the execution input on the default port.
func (e *Engine) mergeInput(ctx context.Context, exec *api.Execution, rs *runState, nodeID string, spec api.NodeSpec) (api.NodeInput, error) {
	input := api.NodeInput{
		Config:      spec.Config,
		Ports:       make(map[string]any),
		ExecutionID: exec.ID,
		NodeID:      nodeID,
	}

	edges := rs.plan.InEdges[nodeID]
	if len(edges) == 0 {
		input.Value = exec.Input
		if exec.Input != nil {
			input.Ports[api.DefaultPort] = exec.Input
		}
		return input, nil
	}

	for _, edge := range edges {
		src, ok := exec.Nodes[edge.Source]
		if !ok {
			continue
		}
		port := edge.EffectiveTargetPort()
		switch edge.EffectiveKind() {
		case api.EdgeOnError:
			if src.Status == api.NodeFailed {
				setPort(input.Ports, port, map[string]any{
					"error":  src.Error,
					"source": edge.Source,
				})
			}
		default:
			if src.Status != api.NodeSucceeded {
				continue
			}
			value, err := e.resolveOutput(ctx, src.Output)
			if err != nil {
				return input, err
			}
			setPort(input.Ports, port, value)
		}
	}

	input.Value = input.Ports[api.DefaultPort]
	return input, nil
}

// setPort records a value on a port; when several edges land on the same
// port the values collect into a slice in edge order.
func setPort(ports map[string]any, port string, value any) {
	existing, ok := ports[port]
	if !ok {
		ports[port] = value
		return
	}
	if slice, isSlice := existing.([]any); isSlice {
		ports[port] = append(slice, value)
		return
	}
	ports[port] = []any{existing, value}
}

func (e *Engine) resolveOutput(ctx context.Context, output any) (any, error) {
	if e.blobs == nil {
		return output, nil
	}
	return e.blobs.Resolve(ctx, output)
}

// asNodeFailure normalizes an invocation error into a NodeError.
func asNodeFailure(nodeID string, err error) *api.NodeError {
	if nerr, ok := api.AsNodeError(err); ok {
		return nerr
	}
	// A plain error from a node is treated as non-retryable: the node did
	// not declare it safe to re-run.
	return api.NewNodeError(nodeID, err.Error(), false)
}

// markFailed seals a node failure and lets readiness scanning cascade the
// skip to its downstream nodes.
func (e *Engine) markFailed(ctx context.Context, exec *api.Execution, ne *api.NodeExecution, nerr *api.NodeError) error {
	ne.Status = api.NodeFailed
	ne.Error = nerr.Message
	return e.store.UpdateExecution(ctx, exec)
}
