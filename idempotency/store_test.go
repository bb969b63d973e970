package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真实 Redis：TEST_REDIS_ADDR=127.0.0.1:6379
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour, 5*time.Second)
}

func Test_Reserve_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k := uuid.NewString()
	t.Cleanup(func() { _ = s.Release(ctx, k) })

	ok, err := s.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Reserve(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, rec.Done())

	ttl, err := s.rdb.TTL(ctx, key(k)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 5*time.Second, "pending reservation uses the short ttl")
}

func Test_Complete_ThenGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k := uuid.NewString()
	t.Cleanup(func() { _ = s.Release(ctx, k) })

	_, err := s.Reserve(ctx, k)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, k, 201, "application/json", []byte(`{"id":"L1"}`)))

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, rec.Done())
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"id":"L1"}`, string(rec.Body))

	ttl, err := s.rdb.TTL(ctx, key(k)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 5*time.Second, "completed record gets the replay window")
}

func Test_Release_AllowsNewReservation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	k := uuid.NewString()

	_, err := s.Reserve(ctx, k)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, k))

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := s.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
	_ = s.Release(ctx, k)
}
