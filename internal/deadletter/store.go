// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("deadletter: record not found")

// Store persists dead-letter records.
type Store interface {
	// InsertOrUpdate stores rec keyed by (EntityType, EntityID, EventType).
	// An existing record keeps its ID.
	InsertOrUpdate(ctx context.Context, rec *Record) error

	Get(ctx context.Context, id string) (*Record, error)

	// FindByEntity returns the record for the natural key or ErrNotFound.
	FindByEntity(ctx context.Context, entityType, entityID, eventType string) (*Record, error)

	// List returns records ordered by last attempt, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Resolve marks a record resolved at the given time.
	Resolve(ctx context.Context, id string, at time.Time) error

	// PurgeResolved deletes resolved records resolved before cutoff.
	PurgeResolved(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

func unmarshalFields(payload string, fields *map[string]string) error {
	return json.Unmarshal([]byte(payload), fields)
}

func marshalFields(fields map[string]string) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type entityKey struct {
	entityType, entityID, eventType string
}

// MemoryStore is an in-process Store for tests and the memory transport driver.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byKey   map[entityKey]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byKey:   make(map[entityKey]string),
	}
}

// InsertOrUpdate implements Store.
func (s *MemoryStore) InsertOrUpdate(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entityKey{rec.EntityType, rec.EntityID, rec.EventType}
	if id, ok := s.byKey[k]; ok {
		rec.ID = id
	}
	cp := *rec
	s.records[cp.ID] = &cp
	s.byKey[k] = cp.ID
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// FindByEntity implements Store.
func (s *MemoryStore) FindByEntity(ctx context.Context, entityType, entityID, eventType string) (*Record, error) {
	s.mu.RLock()
	id, ok := s.byKey[entityKey{entityType, entityID, eventType}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.EntityType != "" && rec.EntityType != f.EntityType {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttemptAt.Equal(out[j].LastAttemptAt) {
			return out[i].LastAttemptAt.After(out[j].LastAttemptAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	rec.Status = StatusResolved
	rec.ResolvedAt = &at
	rec.NextRetryAt = nil
	return nil
}

// PurgeResolved implements Store.
func (s *MemoryStore) PurgeResolved(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.Status == StatusResolved && rec.ResolvedAt != nil && rec.ResolvedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.byKey, entityKey{rec.EntityType, rec.EntityID, rec.EventType})
			n++
		}
	}
	return n, nil
}

// CountByStatus implements Store.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int64, len(Statuses))
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}
