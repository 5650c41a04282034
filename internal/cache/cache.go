// Package cache memoizes node outputs by a deterministic fingerprint of
// (workspace, node type, config, input). Only node types explicitly marked
// cacheable are ever consulted; the cache is best-effort and may lose or
// refuse entries without affecting execution correctness.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Config keys that influence scheduling, not the node's observable output.
// They are stripped before fingerprinting so tweaking a retry budget does
// not invalidate cached results.
var controlKeys = map[string]bool{
	"retry_count": true,
	"timeout":     true,
	"cacheable":   true,
}

// Fingerprint derives the deterministic cache key. The workspace id is part
// of the hash so entries can never leak across tenants. An input or config
// that cannot be encoded has no stable fingerprint and returns an error;
// such a node is simply not cacheable.
func Fingerprint(workspaceID, nodeType string, config map[string]any, input any) (string, error) {
	scrubbed := make(map[string]any, len(config))
	for k, v := range config {
		if controlKeys[k] {
			continue
		}
		scrubbed[k] = v
	}

	// json.Marshal sorts map keys, which makes the encoding canonical for
	// the JSON-shaped configs and inputs that flow through the engine.
	payload, err := json.Marshal(map[string]any{
		"workspace": workspaceID,
		"node_type": nodeType,
		"config":    scrubbed,
		"input":     input,
	})
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}

	sum := sha256.Sum256(payload)
	return "node:" + nodeType + ":" + hex.EncodeToString(sum[:16]), nil
}

// Cache is the result cache consulted before dispatching cacheable nodes.
type Cache interface {
	// Get returns the cached value for key, with ok=false on a miss.
	Get(ctx context.Context, key string) (value any, ok bool, err error)

	// Put stores value under key for ttl. A ttl <= 0 uses the backend default.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Stats are best-effort counters kept by the wrappers below.
type Stats struct {
	Hits   int64
	Misses int64
	Writes int64
}

// Counting wraps a Cache with hit/miss/write counters.
type Counting struct {
	inner  Cache
	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// NewCounting wraps inner with counters.
func NewCounting(inner Cache) *Counting {
	return &Counting{inner: inner}
}

func (c *Counting) Get(ctx context.Context, key string) (any, bool, error) {
	v, ok, err := c.inner.Get(ctx, key)
	if err == nil {
		if ok {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
	}
	return v, ok, err
}

func (c *Counting) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	err := c.inner.Put(ctx, key, value, ttl)
	if err == nil {
		c.writes.Add(1)
	}
	return err
}

// Stats returns a snapshot of the counters.
func (c *Counting) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Writes: c.writes.Load(),
	}
}
