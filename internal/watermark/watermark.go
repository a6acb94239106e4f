// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package watermark stores the per-source crash-recovery marker.
//
// A watermark is set to the window floor before a fetch begins and cleared
// once the whole window has been emitted and last_processed_at advanced. If
// the process dies in between, the next tick finds the watermark and resumes
// from it. Entries expire after a TTL so an abandoned marker cannot pin a
// source forever.
package watermark

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/ingestd/internal/logging"
)

// Store is the watermark contract used by the scheduler.
type Store interface {
	// Get returns the watermark of source and whether one is set.
	Get(ctx context.Context, sourceID string) (time.Time, bool, error)

	// Set writes the watermark of source, restarting its TTL.
	Set(ctx context.Context, sourceID string, at time.Time) error

	// Clear removes the watermark of source. Clearing an absent one is a no-op.
	Clear(ctx context.Context, sourceID string) error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("watermark: store closed")

const keyPrefix = "wm:"

// Config configures BadgerStore.
type Config struct {
	Path       string
	TTL        time.Duration
	InMemory   bool
	SyncWrites bool
}

// BadgerStore keeps watermarks in BadgerDB using native per-key TTL.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the watermark database.
func Open(cfg Config) (*BadgerStore, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("watermark TTL must be positive")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("watermark path required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Dur("ttl", cfg.TTL).
		Msg("Watermark store opened")
	return &BadgerStore{db: db, ttl: cfg.TTL}, nil
}

func key(sourceID string) []byte {
	return []byte(keyPrefix + sourceID)
}

func encode(at time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at.UTC().UnixNano()))
	return buf
}

func decode(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, fmt.Errorf("watermark value has %d bytes, want 8", len(b))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC(), nil
}

func (s *BadgerStore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, sourceID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sourceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			at, err = decode(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", sourceID, err)
	}
	return at, true, nil
}

// Set implements Store.
func (s *BadgerStore) Set(_ context.Context, sourceID string, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(sourceID), encode(at)).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", sourceID, err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(_ context.Context, sourceID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(sourceID))
	}); err != nil {
		return fmt.Errorf("clear watermark %s: %w", sourceID, err)
	}
	return nil
}

// List returns every live watermark keyed by source ID.
func (s *BadgerStore) List(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	out := make(map[string]time.Time)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}
			sourceID := string(item.Key()[len(keyPrefix):])
			if err := item.Value(func(val []byte) error {
				at, err := decode(val)
				if err != nil {
					return err
				}
				out[sourceID] = at
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	return out, nil
}

// Healthy reports whether the store accepts reads.
func (s *BadgerStore) Healthy(ctx context.Context) error {
	_, _, err := s.Get(ctx, "__health__")
	return err
}

// RunGC reclaims value log space until nothing is left to rewrite.
func (s *BadgerStore) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Msg("Watermark store closed")
	return nil
}

// MemoryStore is a map-backed Store with the same TTL behavior.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	at      time.Time
	expires time.Time
}

// NewMemoryStore returns an empty MemoryStore. A nil now uses time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, entries: make(map[string]memEntry)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, sourceID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sourceID]
	if !ok {
		return time.Time{}, false, nil
	}
	if m.ttl > 0 && !m.now().Before(e.expires) {
		delete(m.entries, sourceID)
		return time.Time{}, false, nil
	}
	return e.at, true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, sourceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sourceID] = memEntry{at: at.UTC(), expires: m.now().Add(m.ttl)}
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sourceID)
	return nil
}
