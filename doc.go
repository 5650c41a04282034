// Package flowgrid is an embeddable, multi-tenant workflow execution engine
// for Go.
//
// A workflow is a directed acyclic graph of typed nodes. Flowgrid validates
// the graph, freezes a snapshot per run, and executes nodes as their inputs
// become available, with per-node timeouts, bounded retries, result caching,
// and live debugging: breakpoints, single-stepping, resume and cancellation
// against a running execution.
//
// # Core concepts
//
//  1. Registry — node types with their contracts (timeout, retry policy,
//     cacheability, credential needs)
//  2. Client — workflow CRUD, execution submission and lookups
//  3. Engine — drives one execution until it finishes or pauses
//  4. Worker pool — drains the shared job queue across processes
//  5. Debug API — HTTP surface over the debug control plane
//
// # Backends
//
// Execution state, the job queue, debug signals, the result cache and
// concurrency counters can each be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, single worker)
//   - PostgreSQL (durable execution and workflow state)
//   - Redis (queue, signals, cache and counters shared across workers)
//   - MongoDB (dead-letter artifacts of failed executions)
//
// NewInMemoryBackends, NewSQLiteBackends, NewPostgresBackends and
// NewRedisBackends build matched sets; fields are plain interfaces and can
// be swapped individually.
//
// # Multi-tenancy
//
// Every execution belongs to a user and a workspace. Concurrency limits are
// enforced per user and per workspace, cached node results never cross
// workspaces, and the debug API hides executions from foreign workspaces.
//
// # Getting started
//
// LocalRunner wires everything in-memory:
//
//	registry := flowgrid.NewRegistry()
//	registry.MustRegister(flowgrid.Descriptor{Type: "greet"},
//		func(config map[string]any) (flowgrid.Node, error) {
//			return flowgrid.NodeFunc(func(ctx context.Context, in flowgrid.NodeInput) (flowgrid.NodeResult, error) {
//				return flowgrid.NodeResult{Value: "hello"}, nil
//			}), nil
//		})
//
//	runner, err := flowgrid.NewLocalRunner(registry, flowgrid.Options{})
//	if err != nil { ... }
//
//	exec, err := runner.Client.RunSync(ctx, flowgrid.SubmitRequest{
//		Graph:       &flowgrid.Graph{Nodes: []flowgrid.NodeSpec{{ID: "a", Type: "greet"}}},
//		UserID:      "u1",
//		WorkspaceID: "ws1",
//	})
package flowgrid
