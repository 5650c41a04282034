// Package governor implements admission control for executions. Each user
// and each workspace has a cap on simultaneously in-flight executions.
// Admission is non-blocking: a refused submission stays queued and its
// caller decides when to retry, so over-limit work never pins a worker.
//
// Counts live in a shared counter store so that every worker process sees
// the same in-flight totals. A paused execution still holds its slot; slots
// are released only on terminal transitions.
package governor

import (
	"context"
)

// Counters is the shared in-flight counter store. Incr and Decr must be
// atomic; Decr never takes a counter below zero.
type Counters interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// Limits configures the admission rule. A zero or negative limit means
// unlimited for that dimension.
type Limits struct {
	MaxPerUser      int64
	MaxPerWorkspace int64
}

// Governor gates execution admission against per-user and per-workspace
// in-flight limits.
type Governor struct {
	counters Counters
	limits   Limits
}

// New builds a Governor over the given counter store.
func New(counters Counters, limits Limits) *Governor {
	return &Governor{
		counters: counters,
		limits:   limits,
	}
}

func userKey(userID string) string           { return "user:" + userID }
func workspaceKey(workspaceID string) string { return "workspace:" + workspaceID }

// TryAdmit attempts to claim one slot for the user and one for the
// workspace. It returns false without claiming anything when either limit
// is reached.
func (g *Governor) TryAdmit(ctx context.Context, userID, workspaceID string) (bool, error) {
	n, err := g.counters.Incr(ctx, userKey(userID))
	if err != nil {
		return false, err
	}
	if g.limits.MaxPerUser > 0 && n > g.limits.MaxPerUser {
		_, _ = g.counters.Decr(ctx, userKey(userID))
		return false, nil
	}

	n, err = g.counters.Incr(ctx, workspaceKey(workspaceID))
	if err != nil {
		_, _ = g.counters.Decr(ctx, userKey(userID))
		return false, err
	}
	if g.limits.MaxPerWorkspace > 0 && n > g.limits.MaxPerWorkspace {
		_, _ = g.counters.Decr(ctx, workspaceKey(workspaceID))
		_, _ = g.counters.Decr(ctx, userKey(userID))
		return false, nil
	}
	return true, nil
}

// Release frees the slots claimed for the user and workspace.
func (g *Governor) Release(ctx context.Context, userID, workspaceID string) error {
	_, uerr := g.counters.Decr(ctx, userKey(userID))
	_, werr := g.counters.Decr(ctx, workspaceKey(workspaceID))
	if uerr != nil {
		return uerr
	}
	return werr
}

// InFlight reports the current counts for a user and workspace.
func (g *Governor) InFlight(ctx context.Context, userID, workspaceID string) (user, workspace int64, err error) {
	user, err = g.counters.Get(ctx, userKey(userID))
	if err != nil {
		return 0, 0, err
	}
	workspace, err = g.counters.Get(ctx, workspaceKey(workspaceID))
	if err != nil {
		return 0, 0, err
	}
	return user, workspace, nil
}
