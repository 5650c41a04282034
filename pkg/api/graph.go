package api

// EdgeKind tells the scheduler how an edge behaves when its source fails.
type EdgeKind string

const (
	// EdgeNormal is a plain data dependency: the target runs only after the
	// source succeeded, and is skipped if the source failed.
	EdgeNormal EdgeKind = "normal"

	// EdgeOnError marks an error-handling branch: the target becomes ready
	// when the source fails, and is skipped when the source succeeds.
	EdgeOnError EdgeKind = "on-error"
)

// DefaultPort is the input/output port used when an edge does not name one.
const DefaultPort = "main"

// NodeSpec describes one node of a workflow graph.
// It is authored once and never mutated during execution.
type NodeSpec struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// EdgeSpec describes a directed data dependency between two nodes.
type EdgeSpec struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	SourcePort string   `json:"source_port,omitempty"`
	Target     string   `json:"target"`
	TargetPort string   `json:"target_port,omitempty"`
	Kind       EdgeKind `json:"kind,omitempty"`
}

// Graph is an ordered set of node and edge specs. Node order is significant:
// the scheduler uses insertion order as a deterministic tie-break.
type Graph struct {
	ID    string     `json:"id,omitempty"`
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}

// Node returns the spec for the given node id.
func (g *Graph) Node(id string) (NodeSpec, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Clone returns a deep copy of the graph. A running execution always holds
// its own frozen snapshot so that later edits to the workflow cannot affect it.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		ID:    g.ID,
		Nodes: make([]NodeSpec, len(g.Nodes)),
		Edges: make([]EdgeSpec, len(g.Edges)),
	}
	copy(c.Edges, g.Edges)
	for i, n := range g.Nodes {
		cn := n
		if n.Config != nil {
			cn.Config = make(map[string]any, len(n.Config))
			for k, v := range n.Config {
				cn.Config[k] = v
			}
		}
		c.Nodes[i] = cn
	}
	return c
}

// EffectiveKind returns the edge kind, treating the zero value as EdgeNormal.
func (e EdgeSpec) EffectiveKind() EdgeKind {
	if e.Kind == "" {
		return EdgeNormal
	}
	return e.Kind
}

// EffectiveSourcePort returns the source port, defaulting to DefaultPort.
func (e EdgeSpec) EffectiveSourcePort() string {
	if e.SourcePort == "" {
		return DefaultPort
	}
	return e.SourcePort
}

// EffectiveTargetPort returns the target port, defaulting to DefaultPort.
func (e EdgeSpec) EffectiveTargetPort() string {
	if e.TargetPort == "" {
		return DefaultPort
	}
	return e.TargetPort
}
