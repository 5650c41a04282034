package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NodeInput carries everything a node invocation may consume.
// Value is the merged default-port input; Ports holds per-port inputs for
// nodes that declare more than one input port.
type NodeInput struct {
	Value   any
	Ports   map[string]any
	Config  map[string]any
	Secrets map[string]string

	ExecutionID string
	NodeID      string

	// Logf appends a line to the node execution's log. It is always non-nil.
	Logf func(format string, args ...any)
}

// NodeResult is the value produced by a successful node invocation.
type NodeResult struct {
	Value any
}

// Node is the contract every executable unit implements. Implementations
// must not share mutable state across concurrent invocations and must honor
// ctx cancellation on blocking work.
type Node interface {
	Execute(ctx context.Context, in NodeInput) (NodeResult, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, in NodeInput) (NodeResult, error)

func (f NodeFunc) Execute(ctx context.Context, in NodeInput) (NodeResult, error) {
	return f(ctx, in)
}

// Descriptor declares the static properties of a node type.
type Descriptor struct {
	// Type is the identifier node specs reference.
	Type string

	// Cacheable marks node types whose results may be memoized. Side-effecting
	// types (send message, write row) must leave this false.
	Cacheable bool

	// CacheTTL overrides the platform cache TTL for this type. Zero means
	// the platform default.
	CacheTTL time.Duration

	// IdempotentRetry opts the type into a single retry after a timeout.
	IdempotentRetry bool

	// AllowLoop excludes the type from cycle detection, for explicitly
	// loop-shaped nodes.
	AllowLoop bool

	// Timeout overrides the platform-wide node timeout. Zero means default.
	Timeout time.Duration

	// Required lists inputs that must be satisfied by either a config key or
	// an incoming edge on a port of the same name.
	Required []string

	// CredentialID, if non-empty, names the vault secret injected into
	// NodeInput.Secrets before dispatch.
	CredentialID string
}

// Factory produces a fresh Node instance for one dispatch.
type Factory func(config map[string]any) (Node, error)

type registryEntry struct {
	desc    Descriptor
	factory Factory
}

// Registry maps node type identifiers to factories and descriptors.
// It is populated at startup from a declarative list; unknown types fail
// graph validation, never execution.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a node type. Registering a duplicate or empty type is an error.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	if desc.Type == "" {
		return fmt.Errorf("node type is required")
	}
	if factory == nil {
		return fmt.Errorf("node type %s: factory is required", desc.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.Type]; ok {
		return fmt.Errorf("node type already registered: %s", desc.Type)
	}
	r.entries[desc.Type] = registryEntry{desc: desc, factory: factory}
	return nil
}

// MustRegister is Register that panics on error, for declarative startup lists.
func (r *Registry) MustRegister(desc Descriptor, factory Factory) {
	if err := r.Register(desc, factory); err != nil {
		panic(err)
	}
}

// Describe returns the descriptor for a type.
func (r *Registry) Describe(typ string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typ]
	return e.desc, ok
}

// New instantiates a fresh node of the given type.
func (r *Registry) New(typ string, config map[string]any) (Node, error) {
	r.mu.RLock()
	e, ok := r.entries[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", typ)
	}
	return e.factory(config)
}

// Types returns all registered type identifiers, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
