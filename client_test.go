package flowgrid

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	registry.MustRegister(Descriptor{Type: "emit"}, func(config map[string]any) (Node, error) {
		return NodeFunc(func(ctx context.Context, in NodeInput) (NodeResult, error) {
			return NodeResult{Value: config["value"]}, nil
		}), nil
	})
	registry.MustRegister(Descriptor{Type: "pass"}, func(config map[string]any) (Node, error) {
		return NodeFunc(func(ctx context.Context, in NodeInput) (NodeResult, error) {
			return NodeResult{Value: in.Value}, nil
		}), nil
	})
	return registry
}

func testGraph() *Graph {
	return &Graph{
		Nodes: []NodeSpec{
			{ID: "a", Type: "emit", Config: map[string]any{"value": "hello"}},
			{ID: "b", Type: "pass"},
		},
		Edges: []EdgeSpec{{ID: "e1", Source: "a", Target: "b"}},
	}
}

func TestRunSync(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(testRegistry(t), NewInMemoryBackends(), Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	exec, err := client.RunSync(ctx, SubmitRequest{
		Graph:       testGraph(),
		UserID:      "u1",
		WorkspaceID: "ws1",
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if exec.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (error %q)", exec.Status, exec.Error)
	}
	if exec.Output != "hello" {
		t.Fatalf("expected output %q, got %v", "hello", exec.Output)
	}
}

func TestSubmitRejectsInvalidGraph(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(testRegistry(t), NewInMemoryBackends(), Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	bad := &Graph{
		Nodes: []NodeSpec{{ID: "a", Type: "pass"}, {ID: "b", Type: "pass"}},
		Edges: []EdgeSpec{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	if _, err := client.Submit(ctx, SubmitRequest{Graph: bad, UserID: "u1", WorkspaceID: "ws1"}); err == nil {
		t.Fatal("expected cycle rejection")
	}
}

func TestSubmitRequiresTenant(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(testRegistry(t), NewInMemoryBackends(), Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Submit(ctx, SubmitRequest{Graph: testGraph()}); err == nil {
		t.Fatal("expected missing tenant rejection")
	}
}

func TestWorkflowRoundTripAndFrozenSnapshot(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(testRegistry(t), NewInMemoryBackends(), Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	wf := &Workflow{Name: "greeting", WorkspaceID: "ws1", Graph: testGraph()}
	if err := client.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	if wf.ID == "" {
		t.Fatal("expected generated workflow id")
	}

	exec, err := client.RunSync(ctx, SubmitRequest{
		WorkflowID:  wf.ID,
		UserID:      "u1",
		WorkspaceID: "ws1",
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if exec.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", exec.Status)
	}

	// Mutating the stored workflow after submission must not change the
	// frozen execution snapshot.
	wf.Graph.Nodes[0].Config["value"] = "changed"
	stored, err := client.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got := stored.Graph.Nodes[0].Config["value"]; got != "hello" {
		t.Fatalf("snapshot leaked workflow mutation: %v", got)
	}
}

func TestSubmitHidesForeignWorkflows(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(testRegistry(t), NewInMemoryBackends(), Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	wf := &Workflow{Name: "private", WorkspaceID: "ws-other", Graph: testGraph()}
	if err := client.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	_, err = client.Submit(ctx, SubmitRequest{WorkflowID: wf.ID, UserID: "u1", WorkspaceID: "ws1"})
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(testRegistry(t), NewInMemoryBackends(), Options{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	for _, user := range []string{"u1", "u1", "u2"} {
		if _, err := client.RunSync(ctx, SubmitRequest{Graph: testGraph(), UserID: user, WorkspaceID: "ws1"}); err != nil {
			t.Fatalf("RunSync: %v", err)
		}
	}

	execs, err := client.ListExecutions(ctx, ExecutionFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions for u1, got %d", len(execs))
	}
}

func TestRunSyncQueuesSecondSubmissionOverLimit(t *testing.T) {
	ctx := context.Background()

	registry := NewRegistry()
	release := make(chan struct{})
	registry.MustRegister(Descriptor{Type: "hold"}, func(config map[string]any) (Node, error) {
		return NodeFunc(func(ctx context.Context, in NodeInput) (NodeResult, error) {
			<-release
			return NodeResult{Value: "held"}, nil
		}), nil
	})

	client, err := NewClient(registry, NewInMemoryBackends(), Options{MaxPerUser: 1})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	g := &Graph{Nodes: []NodeSpec{{ID: "a", Type: "hold"}}}
	req := SubmitRequest{Graph: g, UserID: "u1", WorkspaceID: "ws1"}

	firstDone := make(chan error, 1)
	go func() {
		_, err := client.RunSync(ctx, req)
		firstDone <- err
	}()

	// Wait until the first submission occupies the user's only slot.
	deadline := time.Now().Add(5 * time.Second)
	for {
		execs, err := client.ListExecutions(ctx, ExecutionFilter{Status: StatusRunning})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(execs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first submission never started running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := client.RunSync(ctx, req)
		secondDone <- err
	}()

	// The second submission queues behind the first rather than running.
	select {
	case err := <-secondDone:
		t.Fatalf("second submission ran over the limit: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("RunSync first: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("RunSync second: %v", err)
	}
}

func TestLocalRunnerAsync(t *testing.T) {
	ctx := context.Background()
	runner, err := NewLocalRunner(testRegistry(t), Options{})
	if err != nil {
		t.Fatalf("NewLocalRunner: %v", err)
	}
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	exec, err := runner.Client.Submit(ctx, SubmitRequest{
		Graph:       testGraph(),
		UserID:      "u1",
		WorkspaceID: "ws1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := runner.Client.GetExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != StatusSucceeded {
				t.Fatalf("expected SUCCEEDED, got %s (error %q)", got.Status, got.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never finished, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
