// Package lease provides per-session exclusive leases. A session is driven by at
// most one holder at a time; conflicts surface as *models.ConcurrencyError.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Key() string
	Owner() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Leaser acquires leases.
type Leaser interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
}

// HolderError is returned when the lease is held by someone else.
type HolderError struct {
	Key    string
	Holder string
}

func (e *HolderError) Error() string {
	return "lease " + e.Key + " held by " + e.Holder
}

func (e *HolderError) Unwrap() error {
	return &models.ConcurrencyError{Resource: e.Key, Reason: "lease held by " + e.Holder}
}

// lostError is returned by Refresh when the lease expired or was taken over.
type lostError struct{ key string }

func (e *lostError) Error() string { return "lease " + e.key + " lost" }

func (e *lostError) Unwrap() error {
	return &models.ConcurrencyError{Resource: e.key, Reason: "lease lost"}
}

type localEntry struct {
	owner   string
	expires time.Time
}

// LocalLeaser is an in-process leaser.
type LocalLeaser struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocalLeaser creates an empty LocalLeaser.
func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{entries: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLeaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) && e.owner != owner {
		return nil, &HolderError{Key: key, Holder: e.owner}
	}
	l.entries[key] = localEntry{owner: owner, expires: now.Add(ttl)}
	return &localLease{leaser: l, key: key, owner: owner}, nil
}

type localLease struct {
	leaser *LocalLeaser
	key    string
	owner  string
}

func (l *localLease) Key() string   { return l.key }
func (l *localLease) Owner() string { return l.owner }

func (l *localLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l.leaser.mu.Lock()
	defer l.leaser.mu.Unlock()
	now := l.leaser.now()
	e, ok := l.leaser.entries[l.key]
	if !ok || e.owner != l.owner || !now.Before(e.expires) {
		return &lostError{key: l.key}
	}
	e.expires = now.Add(ttl)
	l.leaser.entries[l.key] = e
	return nil
}

func (l *localLease) Release(ctx context.Context) error {
	l.leaser.mu.Lock()
	defer l.leaser.mu.Unlock()
	if e, ok := l.leaser.entries[l.key]; ok && e.owner == l.owner {
		delete(l.leaser.entries, l.key)
	}
	return nil
}
