// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a bounded in-memory Store. When full, the oldest event
// is evicted.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	maxLen int
}

// NewMemoryStore returns a store holding at most maxLen events (10000 if
// maxLen is not positive).
func NewMemoryStore(maxLen int) *MemoryStore {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryStore{maxLen: maxLen}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.maxLen {
		s.events = s.events[1:]
	}
	s.events = append(s.events, *e)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.events {
		if s.events[i].ID == id {
			e := s.events[i]
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, f QueryFilter) ([]Event, error) {
	s.mu.RLock()
	var out []Event
	for i := range s.events {
		if matches(&s.events[i], &f) {
			out = append(out, s.events[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func matches(e *Event, f *QueryFilter) bool {
	switch {
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.TargetType != "" && e.TargetType != f.TargetType:
		return false
	case f.TargetID != "" && e.TargetID != f.TargetID:
		return false
	case f.Since != nil && e.Timestamp.Before(*f.Since):
		return false
	}
	return true
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	n := int64(len(s.events) - len(kept))
	s.events = kept
	return n, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
