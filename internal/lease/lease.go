// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package lease grants one holder at a time the right to tick a source.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another instance")

// ErrLost is returned when a lease expired or was taken over before release.
var ErrLost = errors.New("lease: lost")

// Lease is an acquired lease.
type Lease interface {
	// Refresh extends the lease.
	Refresh(ctx context.Context) error

	// Release gives the lease up. Releasing a lost lease returns ErrLost.
	Release(ctx context.Context) error
}

// Locker hands out leases by name.
type Locker interface {
	// Acquire takes the named lease or returns ErrHeld.
	Acquire(ctx context.Context, name string) (Lease, error)
}

// LocalLocker is an in-process Locker for single-instance runs and tests.
type LocalLocker struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]*localLease
}

type localLease struct {
	owner   *LocalLocker
	name    string
	expires time.Time
}

// NewLocalLocker creates a LocalLocker whose leases expire after ttl.
func NewLocalLocker(ttl time.Duration) *LocalLocker {
	return &LocalLocker{ttl: ttl, now: time.Now, leases: make(map[string]*localLease)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, name string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[name]; ok && now.Before(cur.expires) {
		return nil, ErrHeld
	}
	ls := &localLease{owner: l, name: name, expires: now.Add(l.ttl)}
	l.leases[name] = ls
	return ls, nil
}

func (ls *localLease) Refresh(context.Context) error {
	l := ls.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leases[ls.name] != ls {
		return ErrLost
	}
	ls.expires = l.now().Add(l.ttl)
	return nil
}

func (ls *localLease) Release(context.Context) error {
	l := ls.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leases[ls.name] != ls {
		return ErrLost
	}
	delete(l.leases, ls.name)
	return nil
}
