package flowgrid

import (
	"context"
	"errors"
	"sync"

	"github.com/taulu/flowgrid/internal/debugctl"
	"github.com/taulu/flowgrid/pkg/worker"
)

// LocalRunner bundles a Client over in-memory backends with a worker pool,
// for development, tests and single-process deployments.
//
// Typical usage:
//
//	registry := flowgrid.NewRegistry()
//	registry.MustRegister(flowgrid.Descriptor{Type: "greet"}, newGreetNode)
//
//	runner, _ := flowgrid.NewLocalRunner(registry, flowgrid.Options{})
//
//	// Synchronous run (no queue/worker involved):
//	exec, err := runner.Client.RunSync(ctx, flowgrid.SubmitRequest{...})
//
//	// Asynchronous run:
//	_ = runner.Start(ctx)
//	exec, _ = runner.Client.Submit(ctx, flowgrid.SubmitRequest{...})
//	...
//	_ = runner.Stop(ctx)
type LocalRunner struct {
	Client   *Client
	Backends Backends
	Pool     *worker.Pool

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a runner over fresh in-memory backends.
func NewLocalRunner(registry *Registry, opts Options) (*LocalRunner, error) {
	b := NewInMemoryBackends()
	client, err := NewClient(registry, b, opts)
	if err != nil {
		return nil, err
	}
	pool, err := worker.NewPool(worker.Config{
		Engine:     client.Engine(),
		Queue:      b.Queue,
		Store:      b.Store,
		StuckAfter: -1,
	})
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Client: client, Backends: b, Pool: pool}, nil
}

// Signals exposes the debug control plane, for wiring a debug API or for
// driving breakpoints directly in tests.
func (r *LocalRunner) Signals() debugctl.Signals {
	return r.Backends.Signals
}

// Start launches the worker pool. Calling Start twice without Stop is an
// error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("flowgrid: LocalRunner already started")
	}
	if err := r.Pool.Start(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop shuts the worker pool down, waiting for in-flight executions until
// ctx expires.
func (r *LocalRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	return r.Pool.Stop(ctx)
}
