// Package blob externalizes oversized node payloads and dereferences them on
// read. Values whose encoded size stays under the inlining threshold pass
// through untouched; larger values are replaced by an opaque reference string
// that downstream consumers resolve transparently.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// RefPrefix marks a value as a storage reference rather than inline data.
const RefPrefix = "blobref://"

// DefaultThreshold is the inlining threshold applied when none is configured.
const DefaultThreshold = 64 * 1024

// ErrReferenceNotFound is returned when a reference cannot be resolved.
// The engine surfaces it as a node-input failure of the dependent node,
// never as an engine crash.
var ErrReferenceNotFound = errors.New("storage reference not found")

// Store persists externalized payloads.
type Store interface {
	// Put persists data and returns the backend-local id.
	Put(ctx context.Context, data []byte) (id string, err error)

	// Get returns the data for id, or ErrReferenceNotFound.
	Get(ctx context.Context, id string) ([]byte, error)

	// Delete removes id. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error
}

// IsReference reports whether v is a storage reference.
func IsReference(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, RefPrefix)
}

// Manager applies the threshold policy over a Store.
type Manager struct {
	store     Store
	threshold int
}

// NewManager creates a Manager externalizing values whose JSON encoding
// exceeds threshold bytes. threshold <= 0 uses DefaultThreshold.
func NewManager(store Store, threshold int) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Manager{store: store, threshold: threshold}
}

// Offload returns value unchanged when it fits inline, or a reference string
// after persisting it externally.
func (m *Manager) Offload(ctx context.Context, value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if len(data) <= m.threshold {
		return value, nil
	}
	id, err := m.store.Put(ctx, data)
	if err != nil {
		return nil, err
	}
	return RefPrefix + id, nil
}

// Resolve dereferences v if it is a storage reference, passing every other
// value through unchanged.
func (m *Manager) Resolve(ctx context.Context, v any) (any, error) {
	if !IsReference(v) {
		return v, nil
	}
	id := strings.TrimPrefix(v.(string), RefPrefix)
	data, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Join(ErrReferenceNotFound, err)
	}
	return out, nil
}
