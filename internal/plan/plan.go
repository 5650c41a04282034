// Package plan validates workflow graphs and computes the dependency plan
// the scheduler walks. Validation fails fast: the engine never attempts to
// run a graph that did not produce a Plan.
package plan

import (
	"github.com/taulu/flowgrid/pkg/api"
)

// Plan is the result of validating a graph: for every node, its prerequisite
// set and downstream sets, split by edge kind.
type Plan struct {
	// Order lists node ids in graph insertion order. The scheduler uses it
	// as the deterministic tie-break when more than one node is ready.
	Order []string

	// Deps maps a node id to the ids of its normal-edge sources.
	Deps map[string][]string

	// Downstream maps a node id to the ids of its normal-edge targets.
	Downstream map[string][]string

	// ErrorBranches maps a node id to targets reached via on-error edges.
	// They become ready when the node fails instead of being skipped.
	ErrorBranches map[string][]string

	// ErrorSources is the reverse of ErrorBranches: for an error-handling
	// node, the ids of the nodes whose failure arms it.
	ErrorSources map[string][]string

	// InEdges maps a node id to its incoming edges, used for input merging.
	InEdges map[string][]api.EdgeSpec
}

// Validate checks the graph against the registry and computes its Plan.
// Checks: non-empty graph, unique node ids, known node types, edge endpoint
// integrity, required inputs satisfied, and acyclicity among non-loop nodes.
func Validate(reg *api.Registry, g *api.Graph) (*Plan, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, &api.ValidationError{Reason: "graph has no nodes"}
	}

	seen := make(map[string]api.NodeSpec, len(g.Nodes))
	p := &Plan{
		Order:         make([]string, 0, len(g.Nodes)),
		Deps:          make(map[string][]string, len(g.Nodes)),
		Downstream:    make(map[string][]string, len(g.Nodes)),
		ErrorBranches: make(map[string][]string),
		ErrorSources:  make(map[string][]string),
		InEdges:       make(map[string][]api.EdgeSpec),
	}

	for _, n := range g.Nodes {
		if n.ID == "" {
			return nil, &api.ValidationError{Reason: "node with empty id"}
		}
		if _, dup := seen[n.ID]; dup {
			return nil, &api.ValidationError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		if _, ok := reg.Describe(n.Type); !ok {
			return nil, &api.ValidationError{NodeID: n.ID, Reason: "unknown node type: " + n.Type}
		}
		seen[n.ID] = n
		p.Order = append(p.Order, n.ID)
	}

	for _, e := range g.Edges {
		if _, ok := seen[e.Source]; !ok {
			return nil, &api.ValidationError{EdgeID: e.ID, Reason: "source references unknown node: " + e.Source}
		}
		if _, ok := seen[e.Target]; !ok {
			return nil, &api.ValidationError{EdgeID: e.ID, Reason: "target references unknown node: " + e.Target}
		}
		p.InEdges[e.Target] = append(p.InEdges[e.Target], e)
		switch e.EffectiveKind() {
		case api.EdgeOnError:
			p.ErrorBranches[e.Source] = append(p.ErrorBranches[e.Source], e.Target)
			p.ErrorSources[e.Target] = append(p.ErrorSources[e.Target], e.Source)
		default:
			p.Deps[e.Target] = append(p.Deps[e.Target], e.Source)
			p.Downstream[e.Source] = append(p.Downstream[e.Source], e.Target)
		}
	}

	for _, n := range g.Nodes {
		if err := checkRequired(reg, n, p.InEdges[n.ID]); err != nil {
			return nil, err
		}
	}

	if cycleNode := findCycle(reg, seen, p); cycleNode != "" {
		return nil, &api.ValidationError{NodeID: cycleNode, Reason: "cycle detected"}
	}

	return p, nil
}

// checkRequired verifies that every declared-required input of the node type
// is satisfied by a config value or an incoming edge on a matching port.
func checkRequired(reg *api.Registry, n api.NodeSpec, in []api.EdgeSpec) error {
	desc, _ := reg.Describe(n.Type)
	for _, req := range desc.Required {
		if _, ok := n.Config[req]; ok {
			continue
		}
		satisfied := false
		for _, e := range in {
			if e.EffectiveTargetPort() == req {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return &api.ValidationError{NodeID: n.ID, Reason: "required input not satisfied: " + req}
		}
	}
	return nil
}

// DFS coloring. white = unvisited, grey = on the current path, black = done.
const (
	white = iota
	grey
	black
)

// findCycle returns the id of a node on a cycle, or "" if the graph is
// acyclic. Nodes whose descriptor declares AllowLoop are excluded, so
// explicitly loop-typed feedback nodes do not trip the check.
func findCycle(reg *api.Registry, nodes map[string]api.NodeSpec, p *Plan) string {
	color := make(map[string]int, len(nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, next := range p.Downstream[id] {
			spec := nodes[next]
			if desc, ok := reg.Describe(spec.Type); ok && desc.AllowLoop {
				continue
			}
			switch color[next] {
			case grey:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range p.Order {
		spec := nodes[id]
		if desc, ok := reg.Describe(spec.Type); ok && desc.AllowLoop {
			continue
		}
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}
