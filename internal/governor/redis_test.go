package governor

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/taulu/flowgrid/internal/testutil"
)

type RedisCountersTestSuite struct {
	suite.Suite
	client   *redis.Client
	counters *RedisCounters
}

func (s *RedisCountersTestSuite) SetupSuite() {
	addr := testutil.GetRedisAddress(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	s.counters = NewRedisCounters(s.client, "flowgrid:test:governor:")
}

func (s *RedisCountersTestSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func (s *RedisCountersTestSuite) SetupTest() {
	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, "flowgrid:test:governor:*", 0).Iterator()
	for iter.Next(ctx) {
		require.NoError(s.T(), s.client.Del(ctx, iter.Val()).Err())
	}
	require.NoError(s.T(), iter.Err())
}

func (s *RedisCountersTestSuite) TestIncrDecrRoundTrip() {
	ctx := context.Background()

	n, err := s.counters.Incr(ctx, "user:u1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(1), n)

	n, err = s.counters.Incr(ctx, "user:u1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(2), n)

	n, err = s.counters.Decr(ctx, "user:u1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(1), n)

	n, err = s.counters.Get(ctx, "user:u1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(1), n)
}

func (s *RedisCountersTestSuite) TestGetMissingKeyIsZero() {
	n, err := s.counters.Get(context.Background(), "user:nobody")
	require.NoError(s.T(), err)
	require.Zero(s.T(), n)
}

func (s *RedisCountersTestSuite) TestDecrClampsAtZero() {
	ctx := context.Background()

	n, err := s.counters.Decr(ctx, "user:ghost")
	require.NoError(s.T(), err)
	require.Zero(s.T(), n)

	n, err = s.counters.Incr(ctx, "user:ghost")
	require.NoError(s.T(), err)
	require.Equal(s.T(), int64(1), n)
}

func (s *RedisCountersTestSuite) TestGovernorOverRedis() {
	ctx := context.Background()
	g := New(s.counters, Limits{MaxPerUser: 1, MaxPerWorkspace: 2})

	ok, err := g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)

	ok, err = g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(s.T(), err)
	require.False(s.T(), ok)

	require.NoError(s.T(), g.Release(ctx, "u1", "ws1"))

	ok, err = g.TryAdmit(ctx, "u1", "ws1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
}

func TestRedisCountersTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	suite.Run(t, new(RedisCountersTestSuite))
}
