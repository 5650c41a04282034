package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taulu/flowgrid/pkg/api"
)

func testRegistry(t *testing.T) *api.Registry {
	t.Helper()
	reg := api.NewRegistry()
	noop := func(config map[string]any) (api.Node, error) {
		return api.NodeFunc(func(ctx context.Context, in api.NodeInput) (api.NodeResult, error) {
			return api.NodeResult{Value: in.Value}, nil
		}), nil
	}
	require.NoError(t, reg.Register(api.Descriptor{Type: "passthrough"}, noop))
	require.NoError(t, reg.Register(api.Descriptor{Type: "loop", AllowLoop: true}, noop))
	require.NoError(t, reg.Register(api.Descriptor{Type: "mailer", Required: []string{"recipient"}}, noop))
	return reg
}

func TestValidateLinearGraph(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{
		Nodes: []api.NodeSpec{
			{ID: "a", Type: "passthrough"},
			{ID: "b", Type: "passthrough"},
			{ID: "c", Type: "passthrough"},
		},
		Edges: []api.EdgeSpec{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}

	p, err := Validate(reg, g)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, p.Order)
	require.Equal(t, []string{"a"}, roots(p))
	require.Equal(t, []string{"b"}, p.Deps["c"])
	require.ElementsMatch(t, []string{"b", "c"}, reachableFrom(p, "a"))
}

// roots lists the nodes with no normal-edge prerequisite and no arming
// on-error edge, in plan order.
func roots(p *Plan) []string {
	var out []string
	for _, id := range p.Order {
		if len(p.Deps[id]) == 0 && len(p.ErrorSources[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// reachableFrom walks Downstream from id, excluding id itself.
func reachableFrom(p *Plan, id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	stack := append([]string(nil), p.Downstream[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		stack = append(stack, p.Downstream[cur]...)
	}
	return out
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{
		Nodes: []api.NodeSpec{
			{ID: "a", Type: "passthrough"},
			{ID: "a", Type: "passthrough"},
		},
	}

	_, err := Validate(reg, g)
	require.Error(t, err)
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "a", verr.NodeID)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{Nodes: []api.NodeSpec{{ID: "a", Type: "does-not-exist"}}}

	_, err := Validate(reg, g)
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "unknown node type")
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{
		Nodes: []api.NodeSpec{{ID: "a", Type: "passthrough"}},
		Edges: []api.EdgeSpec{{ID: "e1", Source: "a", Target: "ghost"}},
	}

	_, err := Validate(reg, g)
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "e1", verr.EdgeID)
}

func TestValidateRejectsCycle(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{
		Nodes: []api.NodeSpec{
			{ID: "a", Type: "passthrough"},
			{ID: "b", Type: "passthrough"},
		},
		Edges: []api.EdgeSpec{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	_, err := Validate(reg, g)
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "cycle")
}

func TestValidateAllowsDeclaredLoopNodes(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{
		Nodes: []api.NodeSpec{
			{ID: "a", Type: "passthrough"},
			{ID: "fb", Type: "loop"},
		},
		Edges: []api.EdgeSpec{
			{ID: "e1", Source: "a", Target: "fb"},
			{ID: "e2", Source: "fb", Target: "a"},
		},
	}

	_, err := Validate(reg, g)
	require.NoError(t, err)
}

func TestValidateRequiredInputs(t *testing.T) {
	reg := testRegistry(t)

	// Unsatisfied: no config value and no incoming edge on the port.
	g := &api.Graph{Nodes: []api.NodeSpec{{ID: "m", Type: "mailer"}}}
	_, err := Validate(reg, g)
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "recipient")

	// Satisfied via config.
	g = &api.Graph{Nodes: []api.NodeSpec{
		{ID: "m", Type: "mailer", Config: map[string]any{"recipient": "ops@example.com"}},
	}}
	_, err = Validate(reg, g)
	require.NoError(t, err)

	// Satisfied via an incoming edge targeting the port.
	g = &api.Graph{
		Nodes: []api.NodeSpec{
			{ID: "src", Type: "passthrough"},
			{ID: "m", Type: "mailer"},
		},
		Edges: []api.EdgeSpec{
			{ID: "e1", Source: "src", Target: "m", TargetPort: "recipient"},
		},
	}
	_, err = Validate(reg, g)
	require.NoError(t, err)
}

func TestErrorBranchesAreNotDeps(t *testing.T) {
	reg := testRegistry(t)
	g := &api.Graph{
		Nodes: []api.NodeSpec{
			{ID: "a", Type: "passthrough"},
			{ID: "handler", Type: "passthrough"},
		},
		Edges: []api.EdgeSpec{
			{ID: "e1", Source: "a", Target: "handler", Kind: api.EdgeOnError},
		},
	}

	p, err := Validate(reg, g)
	require.NoError(t, err)
	require.Empty(t, p.Deps["handler"])
	require.Equal(t, []string{"handler"}, p.ErrorBranches["a"])
	require.Equal(t, []string{"a"}, p.ErrorSources["handler"])
	// Error handlers are armed by the source's failure, never ready at start.
	require.NotContains(t, roots(p), "handler")
}
