package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "flowgrid:circuit:"
	lastErrorTTL       = time.Hour
)

// RedisBreaker shares circuit state across worker processes: once one
// worker trips a circuit, every worker stops dispatching that node type.
type RedisBreaker struct {
	client   *redis.Client
	prefix   string
	settings Settings
	now      func() time.Time
}

// NewRedisBreaker builds a Breaker over the given client. An empty prefix
// selects the default "flowgrid:circuit:".
func NewRedisBreaker(client *redis.Client, prefix string, settings Settings) *RedisBreaker {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBreaker{
		client:   client,
		prefix:   prefix,
		settings: settings.withDefaults(),
		now:      time.Now,
	}
}

func (b *RedisBreaker) stateKey(t string) string     { return b.prefix + "state:" + t }
func (b *RedisBreaker) failuresKey(t string) string  { return b.prefix + "failures:" + t }
func (b *RedisBreaker) openedAtKey(t string) string  { return b.prefix + "opened_at:" + t }
func (b *RedisBreaker) lastErrorKey(t string) string { return b.prefix + "last_error:" + t }
func (b *RedisBreaker) halfOpenKey(t string) string  { return b.prefix + "half_open_calls:" + t }

func (b *RedisBreaker) getString(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (b *RedisBreaker) Allow(ctx context.Context, nodeType string) (bool, string, error) {
	state, err := b.getString(ctx, b.stateKey(nodeType))
	if err != nil {
		// Fail open: a broken breaker store never blocks execution.
		return true, "", err
	}
	switch State(state) {
	case "", StateClosed:
		return true, "", nil
	case StateOpen:
		openedAt, err := b.getString(ctx, b.openedAtKey(nodeType))
		if err != nil {
			return true, "", err
		}
		if openedAt != "" {
			t, perr := time.Parse(time.RFC3339Nano, openedAt)
			if perr == nil && b.now().Sub(t) > b.settings.RecoveryTimeout {
				pipe := b.client.TxPipeline()
				pipe.Set(ctx, b.stateKey(nodeType), string(StateHalfOpen), 0)
				pipe.Set(ctx, b.halfOpenKey(nodeType), 1, 0)
				if _, err := pipe.Exec(ctx); err != nil {
					return true, "", err
				}
				return true, "", nil
			}
		}
		lastErr, _ := b.getString(ctx, b.lastErrorKey(nodeType))
		return false, fmt.Sprintf("circuit open for node type %q: %s", nodeType, lastErr), nil
	case StateHalfOpen:
		calls, err := b.client.Incr(ctx, b.halfOpenKey(nodeType)).Result()
		if err != nil {
			return true, "", err
		}
		if calls <= int64(b.settings.HalfOpenMaxCalls) {
			return true, "", nil
		}
		return false, fmt.Sprintf("circuit half-open for node type %q: trial call budget exhausted", nodeType), nil
	}
	return true, "", nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context, nodeType string) error {
	if err := b.client.Del(ctx, b.failuresKey(nodeType)).Err(); err != nil {
		return err
	}
	state, err := b.getString(ctx, b.stateKey(nodeType))
	if err != nil {
		return err
	}
	if State(state) == StateOpen || State(state) == StateHalfOpen {
		pipe := b.client.TxPipeline()
		pipe.Set(ctx, b.stateKey(nodeType), string(StateClosed), 0)
		pipe.Del(ctx, b.openedAtKey(nodeType), b.halfOpenKey(nodeType))
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

func (b *RedisBreaker) RecordFailure(ctx context.Context, nodeType string, execErr error) error {
	failures, err := b.client.Incr(ctx, b.failuresKey(nodeType)).Result()
	if err != nil {
		return err
	}
	if failures < int64(b.settings.FailureThreshold) {
		return nil
	}
	state, err := b.getString(ctx, b.stateKey(nodeType))
	if err != nil {
		return err
	}
	if State(state) == StateOpen {
		return nil
	}
	msg := "unknown error"
	if execErr != nil {
		msg = execErr.Error()
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.stateKey(nodeType), string(StateOpen), 0)
	pipe.Set(ctx, b.openedAtKey(nodeType), b.now().UTC().Format(time.RFC3339Nano), 0)
	pipe.SetEx(ctx, b.lastErrorKey(nodeType), msg, lastErrorTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBreaker) Status(ctx context.Context, nodeType string) (Status, error) {
	st := Status{
		NodeType:  nodeType,
		State:     StateClosed,
		Threshold: b.settings.FailureThreshold,
	}
	state, err := b.getString(ctx, b.stateKey(nodeType))
	if err != nil {
		return st, err
	}
	if state != "" {
		st.State = State(state)
	}
	failures, err := b.getString(ctx, b.failuresKey(nodeType))
	if err != nil {
		return st, err
	}
	if failures != "" {
		if n, perr := strconv.Atoi(failures); perr == nil {
			st.ConsecutiveFailures = n
		}
	}
	st.LastError, _ = b.getString(ctx, b.lastErrorKey(nodeType))
	if openedAt, _ := b.getString(ctx, b.openedAtKey(nodeType)); openedAt != "" {
		if t, perr := time.Parse(time.RFC3339Nano, openedAt); perr == nil {
			st.OpenedAt = t
		}
	}
	return st, nil
}

func (b *RedisBreaker) Reset(ctx context.Context, nodeType string) error {
	return b.client.Del(ctx,
		b.stateKey(nodeType),
		b.failuresKey(nodeType),
		b.openedAtKey(nodeType),
		b.lastErrorKey(nodeType),
		b.halfOpenKey(nodeType),
	).Err()
}
