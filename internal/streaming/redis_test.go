package streaming

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, "", 0, zap.NewNop()), mr
}

func TestRedisMirrorReplay(t *testing.T) {
	mirror, mr := newMirror(t)
	m := NewManager(16, zap.NewNop())
	m.SetMirror(mirror)

	for i := 1; i <= 5; i++ {
		m.Publish("s1", Event{Type: TypeIterationComplete, Iteration: i})
	}
	assert.True(t, mr.Exists("research:events:s1"))

	ctx := context.Background()
	all, err := mirror.ReadSince(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, i+1, e.Iteration)
		assert.Equal(t, "s1", e.SessionID)
	}

	tail, err := mirror.ReadSince(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)
}

func TestRedisMirrorMissingStream(t *testing.T) {
	mirror, _ := newMirror(t)
	evs, err := mirror.ReadSince(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRedisMirrorFailureDoesNotBreakPublish(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	m := NewManager(4, zap.NewNop())
	m.SetMirror(NewRedisMirror(client, "", 0, zap.NewNop()))
	mr.Close()

	evt := m.Publish("s2", Event{Type: TypeStatus})
	assert.Equal(t, uint64(1), evt.Seq)
	assert.Len(t, m.ReplaySince("s2", 0), 1)
}
