package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func setupRedis(t *testing.T) (*RedisLeaser, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLeaser(client, "test:", zaptest.NewLogger(t)), mr
}

func TestRedisLeaserMutualExclusion(t *testing.T) {
	leaser, mr := setupRedis(t)
	ctx := context.Background()

	l1, err := leaser.Acquire(ctx, "s1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", mustGet(t, mr, "test:s1"))

	_, err = leaser.Acquire(ctx, "s1", "worker-b", time.Minute)
	var held *HolderError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "worker-a", held.Holder)
	assert.True(t, models.IsConcurrency(err))

	require.NoError(t, l1.Release(ctx))
	assert.False(t, mr.Exists("test:s1"))

	l2, err := leaser.Acquire(ctx, "s1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", l2.Owner())
}

func TestRedisLeaserExpiry(t *testing.T) {
	leaser, mr := setupRedis(t)
	ctx := context.Background()

	l1, err := leaser.Acquire(ctx, "s1", "worker-a", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = leaser.Acquire(ctx, "s1", "worker-b", time.Minute)
	require.NoError(t, err)

	err = l1.Refresh(ctx, time.Minute)
	assert.True(t, models.IsConcurrency(err))

	// a stale holder must not delete the new owner's lease
	require.NoError(t, l1.Release(ctx))
	assert.Equal(t, "worker-b", mustGet(t, mr, "test:s1"))
}

func TestRedisLeaserRefresh(t *testing.T) {
	leaser, mr := setupRedis(t)
	ctx := context.Background()

	l, err := leaser.Acquire(ctx, "s1", "worker-a", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Refresh(ctx, time.Minute))
	assert.Greater(t, mr.TTL("test:s1"), 30*time.Second)
}

func TestRedisLeaserReentrant(t *testing.T) {
	leaser, _ := setupRedis(t)
	ctx := context.Background()

	_, err := leaser.Acquire(ctx, "s1", "worker-a", time.Minute)
	require.NoError(t, err)
	_, err = leaser.Acquire(ctx, "s1", "worker-a", time.Minute)
	assert.NoError(t, err)
}

func TestLocalLeaser(t *testing.T) {
	leaser := NewLocalLeaser()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	leaser.now = func() time.Time { return now }
	ctx := context.Background()

	l1, err := leaser.Acquire(ctx, "s1", "a", time.Minute)
	require.NoError(t, err)

	_, err = leaser.Acquire(ctx, "s1", "b", time.Minute)
	assert.True(t, models.IsConcurrency(err))

	_, err = leaser.Acquire(ctx, "s2", "b", time.Minute)
	assert.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.True(t, models.IsConcurrency(l1.Refresh(ctx, time.Minute)))

	l3, err := leaser.Acquire(ctx, "s1", "b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l1.Release(ctx))

	_, err = leaser.Acquire(ctx, "s1", "c", time.Minute)
	assert.True(t, models.IsConcurrency(err), "stale release must not drop the new holder")

	require.NoError(t, l3.Release(ctx))
	_, err = leaser.Acquire(ctx, "s1", "c", time.Minute)
	assert.NoError(t, err)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
