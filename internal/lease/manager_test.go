package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s := miniredis.RunT(t)
	return s, redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestManager_OwnerChecked(t *testing.T) {
	s, rdb := setupRedis(t)
	m := NewManager(rdb)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "a", "w1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "a", "w2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	ok, err = m.Renew(ctx, "a", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Renew(ctx, "a", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, s.TTL(LeaseKey("a")))

	ok, err = m.Release(ctx, "a", "w2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Release(ctx, "a", "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	held, err := m.Held(ctx, "a")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestManager_Expires(t *testing.T) {
	s, rdb := setupRedis(t)
	m := NewManager(rdb)
	ctx := context.Background()

	_, err := m.Acquire(ctx, JobLease("k#1"), "w1", time.Second)
	require.NoError(t, err)
	s.FastForward(2 * time.Second)

	held, err := m.Held(ctx, JobLease("k#1"))
	require.NoError(t, err)
	assert.False(t, held)
}
