package debugctl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// signalTTL bounds the lifetime of debug signals so that signals aimed at
// executions that never resume do not accumulate in the shared store.
const signalTTL = 24 * time.Hour

// RedisSignals is a Signals implementation backed by Redis. Key structure:
//
//	<prefix>bp:<execution>:<node>   => "1" (breakpoint present)
//	<prefix>step:<execution>        => "1" (one-shot step armed)
//	<prefix>cancel:<execution>      => "1" (cancel requested)
//	<prefix>event:<execution>:<ev>  => JSON payload (resume event)
//
// TakeStep and TakeEvent use GETDEL, so a signal observed by one worker is
// gone before any other worker can observe it.
type RedisSignals struct {
	client *redis.Client
	prefix string
}

var _ Signals = (*RedisSignals)(nil)

// NewRedisSignals creates a RedisSignals.
// prefix is optional but recommended (e.g. "flowgrid:debug:").
func NewRedisSignals(client *redis.Client, prefix string) *RedisSignals {
	if prefix == "" {
		prefix = "flowgrid:debug:"
	}
	return &RedisSignals{client: client, prefix: prefix}
}

func (s *RedisSignals) keyBreakpoint(executionID, nodeID string) string {
	return s.prefix + "bp:" + executionID + ":" + nodeID
}

func (s *RedisSignals) keyStep(executionID string) string {
	return s.prefix + "step:" + executionID
}

func (s *RedisSignals) keyCancel(executionID string) string {
	return s.prefix + "cancel:" + executionID
}

func (s *RedisSignals) keyEvent(executionID, event string) string {
	return s.prefix + "event:" + executionID + ":" + event
}

func (s *RedisSignals) SetBreakpoint(ctx context.Context, executionID, nodeID string) error {
	return s.client.Set(ctx, s.keyBreakpoint(executionID, nodeID), "1", signalTTL).Err()
}

func (s *RedisSignals) ClearBreakpoint(ctx context.Context, executionID, nodeID string) error {
	return s.client.Del(ctx, s.keyBreakpoint(executionID, nodeID)).Err()
}

func (s *RedisSignals) ClearBreakpoints(ctx context.Context, executionID string) error {
	return s.deleteByPattern(ctx, s.prefix+"bp:"+executionID+":*")
}

func (s *RedisSignals) HasBreakpoint(ctx context.Context, executionID, nodeID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyBreakpoint(executionID, nodeID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSignals) ArmStep(ctx context.Context, executionID string) error {
	return s.client.Set(ctx, s.keyStep(executionID), "1", signalTTL).Err()
}

func (s *RedisSignals) TakeStep(ctx context.Context, executionID string) (bool, error) {
	_, err := s.client.GetDel(ctx, s.keyStep(executionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *RedisSignals) RequestCancel(ctx context.Context, executionID string) error {
	return s.client.Set(ctx, s.keyCancel(executionID), "1", signalTTL).Err()
}

func (s *RedisSignals) CancelRequested(ctx context.Context, executionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyCancel(executionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSignals) DeliverEvent(ctx context.Context, executionID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyEvent(executionID, event), data, signalTTL).Err()
}

func (s *RedisSignals) TakeEvent(ctx context.Context, executionID, event string) (any, bool, error) {
	data, err := s.client.GetDel(ctx, s.keyEvent(executionID, event)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *RedisSignals) Clear(ctx context.Context, executionID string) error {
	patterns := []string{
		s.prefix + "bp:" + executionID + ":*",
		s.prefix + "event:" + executionID + ":*",
	}
	for _, p := range patterns {
		if err := s.deleteByPattern(ctx, p); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, s.keyStep(executionID), s.keyCancel(executionID)).Err()
}

func (s *RedisSignals) deleteByPattern(ctx context.Context, pattern string) error {
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
