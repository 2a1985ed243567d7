package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jmi2020/KITT-sub000/internal/db"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

var sqliteSeq int64

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	name := fmt.Sprintf("file:checkpoints_%d?mode=memory&cache=shared", atomic.AddInt64(&sqliteSeq, 1))
	raw, err := sqlx.Open("sqlite3", name)
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	store := NewSQLStore(db.Wrap(raw, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type storeFactory struct {
	name string
	make func(t *testing.T) (Store, func(time.Time))
}

func factories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) (Store, func(time.Time)) {
			s := NewMemoryStore()
			return s, func(now time.Time) { s.now = func() time.Time { return now } }
		}},
		{"sqlite", func(t *testing.T) (Store, func(time.Time)) {
			s := newSQLiteStore(t)
			return s, func(now time.Time) { s.now = func() time.Time { return now } }
		}},
	}
}

func TestStoreAppendAndRead(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store, _ := f.make(t)
			ctx := context.Background()

			latest, err := store.ReadLatest(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, latest)

			cp1, err := store.Append(ctx, "s1", 0, []byte(`{"phase":"planning"}`), Meta{Status: "active"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), cp1.SequenceNo)
			assert.Equal(t, int64(0), cp1.ParentSequenceNo)

			cp2, err := store.Append(ctx, "s1", 1, []byte(`{"phase":"scheduling"}`), Meta{Label: LabelIterationComplete, Status: "active"})
			require.NoError(t, err)
			assert.Equal(t, int64(2), cp2.SequenceNo)

			latest, err = store.ReadLatest(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, int64(2), latest.SequenceNo)
			assert.Equal(t, `{"phase":"scheduling"}`, string(latest.StateBlob))
			assert.Equal(t, LabelIterationComplete, latest.Label)

			all, err := store.ReadAll(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, int64(1), all[0].SequenceNo)
			assert.Equal(t, int64(2), all[1].SequenceNo)

			other, err := store.ReadAll(ctx, "s2")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestStoreRejectsStaleParent(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store, _ := f.make(t)
			ctx := context.Background()

			_, err := store.Append(ctx, "s1", 0, []byte("a"), Meta{Status: "active"})
			require.NoError(t, err)
			_, err = store.Append(ctx, "s1", 1, []byte("b"), Meta{Status: "active"})
			require.NoError(t, err)

			_, err = store.Append(ctx, "s1", 1, []byte("c"), Meta{Status: "active"})
			var conflict *models.SequenceConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, int64(2), conflict.Latest)
			assert.True(t, models.IsConcurrency(err))

			_, err = store.Append(ctx, "s1", 0, []byte("d"), Meta{Status: "active"})
			assert.True(t, models.IsConcurrency(err))

			all, err := store.ReadAll(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestStoreConcurrentWritersOneWins(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store, _ := f.make(t)
			ctx := context.Background()
			_, err := store.Append(ctx, "s1", 0, []byte("root"), Meta{Status: "active"})
			require.NoError(t, err)

			var wins, conflicts int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.Append(ctx, "s1", 1, []byte(fmt.Sprintf("w%d", i)), Meta{Status: "active"})
					if err == nil {
						atomic.AddInt32(&wins, 1)
					} else if models.IsConcurrency(err) {
						atomic.AddInt32(&conflicts, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
			assert.Equal(t, int32(7), conflicts)
		})
	}
}

func TestStoreListStale(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store, setNow := f.make(t)
			ctx := context.Background()
			base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

			setNow(base)
			_, err := store.Append(ctx, "old-active", 0, []byte("x"), Meta{Status: "active"})
			require.NoError(t, err)
			_, err = store.Append(ctx, "old-done", 0, []byte("x"), Meta{Status: "active"})
			require.NoError(t, err)
			_, err = store.Append(ctx, "old-done", 1, []byte("x"), Meta{Status: "completed"})
			require.NoError(t, err)
			_, err = store.Append(ctx, "old-paused", 0, []byte("x"), Meta{Status: "paused"})
			require.NoError(t, err)

			setNow(base.Add(10 * time.Minute))
			_, err = store.Append(ctx, "fresh", 0, []byte("x"), Meta{Status: "active"})
			require.NoError(t, err)

			stale, err := store.ListStale(ctx, base.Add(5*time.Minute))
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, "old-active", stale[0].SessionID)
			assert.Equal(t, int64(1), stale[0].SequenceNo)
		})
	}
}
