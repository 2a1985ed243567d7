package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmi2020/KITT-sub000/internal/lease"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func observedCalls(profiles []models.ModelProfile) int {
	n := 0
	for _, p := range profiles {
		n += p.Calls
	}
	return n
}

func TestSessionsKeepTheirOwnBackendHistory(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) { c.MaxIterations = 1 })
	ctx := context.Background()
	a := f.create(t)
	b := f.create(t)

	_, err := f.engine.Advance(ctx, a)
	require.NoError(t, err)
	first, err := f.engine.Snapshot(ctx, a)
	require.NoError(t, err)
	require.Positive(t, first.Budget.Calls)
	assert.Equal(t, first.Budget.Calls, observedCalls(first.Profiles))

	require.NoError(t, f.engine.Run(ctx, b))
	other, err := f.engine.Snapshot(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, other.Budget.Calls, observedCalls(other.Profiles))

	for i := 0; i < 3; i++ {
		_, err = f.engine.Advance(ctx, a)
		require.NoError(t, err)
	}
	later, err := f.engine.Snapshot(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, later.Budget.Calls, observedCalls(later.Profiles),
		"a session's checkpoint only counts the calls it made")

	assert.Zero(t, observedCalls(f.engine.profiles.Snapshot()), "the shared profiles stay static")
}

func TestRecoveredSessionRoutesFromItsCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.engine.Advance(ctx, id)
	require.NoError(t, err)
	st, err := f.engine.Snapshot(ctx, id)
	require.NoError(t, err)

	rt := f.engine.runtimeFor(st)
	assert.Equal(t, st.Profiles, rt.profiles.Snapshot())
}

// ttlLeaser records the TTLs leases are taken and refreshed with.
type ttlLeaser struct {
	lease.Leaser
	mu   sync.Mutex
	ttls []time.Duration
}

func (r *ttlLeaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (lease.Lease, error) {
	l, err := r.Leaser.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return nil, err
	}
	r.note(ttl)
	return &ttlLease{Lease: l, r: r}, nil
}

func (r *ttlLeaser) note(ttl time.Duration) {
	r.mu.Lock()
	r.ttls = append(r.ttls, ttl)
	r.mu.Unlock()
}

func (r *ttlLeaser) last() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttls[len(r.ttls)-1]
}

type ttlLease struct {
	lease.Lease
	r *ttlLeaser
}

func (l *ttlLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l.r.note(ttl)
	return l.Lease.Refresh(ctx, ttl)
}

func TestAdvanceLeasesForTheSessionTimeout(t *testing.T) {
	f := newFixture(t, nil)
	rec := &ttlLeaser{Leaser: f.leaser}
	f.engine.leaser = rec
	ctx := context.Background()

	cfg := f.engine.Defaults()
	cfg.LeaseTimeout = 90 * time.Second
	id, err := f.engine.Create(ctx, "tester", materialsQuery, cfg)
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, rec.last())

	plain := f.create(t)
	_, err = f.engine.Advance(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, f.engine.Defaults().LeaseTimeout, rec.last())
}
