// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package audit

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/ingestd/internal/auth"
	"github.com/tomtom215/ingestd/internal/logging"
)

func setupDuckDBStore(t *testing.T) *DuckDBStore {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewDuckDBStore(db)
	for i := 0; i < 2; i++ {
		if err := s.CreateTable(context.Background()); err != nil {
			t.Fatalf("CreateTable() call %d error = %v", i+1, err)
		}
	}
	return s
}

func sampleEvents(base time.Time) []*Event {
	return []*Event{
		{ID: "e1", Timestamp: base, Action: ActionSourceRegister, Outcome: OutcomeSuccess, ActorID: "alice", ActorRole: "admin", TargetType: TargetSource, TargetID: "S1"},
		{ID: "e2", Timestamp: base.Add(time.Minute), Action: ActionDeadLetterReplay, Outcome: OutcomeSuccess, ActorID: "bob", ActorRole: "operator", TargetType: TargetDeadLetter, TargetID: "r1", Metadata: []byte(`{"offset":"7"}`)},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), Action: ActionDeadLetterReplay, Outcome: OutcomeFailure, ActorID: "bob", ActorRole: "operator", TargetType: TargetDeadLetter, TargetID: "r2", Error: "not replayable"},
	}
}

// storeContract runs the same checks against every Store implementation.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range sampleEvents(base) {
		if err := s.Save(ctx, e); err != nil {
			t.Fatalf("Save(%s) error = %v", e.ID, err)
		}
	}

	got, err := s.Get(ctx, "e2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Action != ActionDeadLetterReplay || got.ActorID != "bob" || string(got.Metadata) != `{"offset":"7"}` {
		t.Errorf("Get() = %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	since := base.Add(30 * time.Second)
	tests := []struct {
		name    string
		filter  QueryFilter
		wantIDs []string
	}{
		{"all newest first", QueryFilter{}, []string{"e3", "e2", "e1"}},
		{"by action", QueryFilter{Action: ActionDeadLetterReplay}, []string{"e3", "e2"}},
		{"by outcome", QueryFilter{Outcome: OutcomeFailure}, []string{"e3"}},
		{"by actor", QueryFilter{ActorID: "alice"}, []string{"e1"}},
		{"by target", QueryFilter{TargetType: TargetDeadLetter, TargetID: "r1"}, []string{"e2"}},
		{"since", QueryFilter{Since: &since}, []string{"e3", "e2"}},
		{"limit", QueryFilter{Limit: 1}, []string{"e3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(events) != len(tt.wantIDs) {
				t.Fatalf("Query() = %d events, want %d", len(events), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if events[i].ID != id {
					t.Errorf("event[%d] = %s, want %s", i, events[i].ID, id)
				}
			}
		})
	}

	n, err := s.Delete(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Delete() = %d, want 2", n)
	}
	if events, _ := s.Query(ctx, QueryFilter{}); len(events) != 1 || events[0].ID != "e3" {
		t.Errorf("after Delete() = %+v, want only e3", events)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storeContract(t, NewMemoryStore(0))
}

func TestDuckDBStore(t *testing.T) {
	storeContract(t, setupDuckDBStore(t))
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(2)
	ctx := context.Background()
	for _, e := range sampleEvents(time.Now()) {
		_ = s.Save(ctx, e)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if _, err := s.Get(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest event still present, err = %v", err)
	}
}

func TestLogger_WritesAndDrains(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(0)
	l := NewLogger(store, Config{BufferSize: 10})

	// Queued before Serve runs; must still be written.
	l.Log(&Event{Action: ActionSourceTick, Outcome: OutcomeSuccess, ActorID: "alice", TargetType: TargetSource, TargetID: "S1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for store.Len() < 1 {
		select {
		case <-deadline:
			t.Fatal("event was not written")
		case <-time.After(5 * time.Millisecond):
		}
	}
	l.Log(&Event{Action: ActionDeadLetterPurge, Outcome: OutcomeSuccess, ActorID: "alice", TargetType: TargetDeadLetter})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() error = %v, want context.Canceled", err)
	}

	events, _ := l.Query(context.Background(), QueryFilter{})
	if len(events) != 2 {
		t.Fatalf("stored %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event missing ID or timestamp: %+v", e)
		}
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(0)
	l := NewLogger(store, Config{BufferSize: 1})
	l.Log(&Event{ID: "kept", Action: ActionSourceTick})
	l.Log(&Event{ID: "dropped", Action: ActionSourceTick})

	l.drain()
	if store.Len() != 1 {
		t.Fatalf("stored %d events, want 1", store.Len())
	}
	if _, err := store.Get(context.Background(), "kept"); err != nil {
		t.Errorf("first event not kept: %v", err)
	}
}

func TestLogger_Cleanup(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(0)
	_ = store.Save(context.Background(), &Event{ID: "old", Timestamp: now.Add(-48 * time.Hour)})
	_ = store.Save(context.Background(), &Event{ID: "new", Timestamp: now.Add(-time.Hour)})

	l := NewLogger(store, Config{Retention: 24 * time.Hour})
	l.now = func() time.Time { return now }
	l.cleanup(context.Background())

	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
	if _, err := store.Get(context.Background(), "new"); err != nil {
		t.Errorf("recent event purged: %v", err)
	}
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	t.Run("authenticated success", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("POST", "/api/v1/deadletter/r1/replay", nil)
		r.RemoteAddr = "10.0.0.7:51234"
		r.Header.Set("User-Agent", "ingestctl")
		claims := &auth.Claims{Role: "operator", RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"}}
		ctx := auth.ContextWithClaims(logging.ContextWithRequestID(r.Context(), "req-1"), claims)
		r = r.WithContext(ctx)

		e := FromRequest(r, ActionDeadLetterReplay, TargetDeadLetter, "r1", nil).WithMetadata(map[string]string{"offset": "7"})
		want := Event{
			Action: ActionDeadLetterReplay, Outcome: OutcomeSuccess, ActorID: "bob", ActorRole: "operator",
			TargetType: TargetDeadLetter, TargetID: "r1", SourceIP: "10.0.0.7", UserAgent: "ingestctl", RequestID: "req-1",
		}
		got := *e
		got.Metadata = nil
		if got.Action != want.Action || got.Outcome != want.Outcome || got.ActorID != want.ActorID ||
			got.ActorRole != want.ActorRole || got.TargetID != want.TargetID || got.SourceIP != want.SourceIP ||
			got.UserAgent != want.UserAgent || got.RequestID != want.RequestID {
			t.Errorf("FromRequest() = %+v, want %+v", got, want)
		}
		if string(e.Metadata) != `{"offset":"7"}` {
			t.Errorf("Metadata = %s", e.Metadata)
		}
	})

	t.Run("anonymous failure", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("POST", "/api/v1/sources/S1/tick", nil)
		e := FromRequest(r, ActionSourceTick, TargetSource, "S1", errors.New("source unavailable"))
		if e.ActorID != "anonymous" || e.Outcome != OutcomeFailure || e.Error != "source unavailable" {
			t.Errorf("FromRequest() = %+v", e)
		}
	})
}
