package collaboration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	a := NewRedisLeaser(rdb, "node-a", 5*time.Second)
	b := NewRedisLeaser(rdb, "node-b", 5*time.Second)

	require.NoError(t, a.Acquire(ctx, "s1"))
	require.NoError(t, a.Acquire(ctx, "s1"), "reacquiring an own lease succeeds")
	require.ErrorIs(t, b.Acquire(ctx, "s1"), ErrNotOwner)
	require.ErrorIs(t, b.Renew(ctx, "s1"), ErrNotOwner)

	require.NoError(t, b.Release(ctx, "s1"), "releasing a foreign lease is a no-op")
	assert.True(t, mr.Exists(leaseKey("s1")))

	mr.FastForward(3 * time.Second)
	require.NoError(t, a.Renew(ctx, "s1"))
	mr.FastForward(3 * time.Second)
	require.ErrorIs(t, b.Acquire(ctx, "s1"), ErrNotOwner, "renewal kept the lease alive")

	mr.FastForward(6 * time.Second)
	require.NoError(t, b.Acquire(ctx, "s1"), "an expired lease can be taken over")
	require.ErrorIs(t, a.Renew(ctx, "s1"), ErrNotOwner)

	require.NoError(t, b.Release(ctx, "s1"))
	assert.False(t, mr.Exists(leaseKey("s1")))
}

func TestLocalLeaser(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLeaser()
	require.ErrorIs(t, l.Renew(ctx, "s1"), ErrNotOwner)
	require.NoError(t, l.Acquire(ctx, "s1"))
	require.NoError(t, l.Renew(ctx, "s1"))
	require.NoError(t, l.Release(ctx, "s1"))
	require.ErrorIs(t, l.Renew(ctx, "s1"), ErrNotOwner)
}
