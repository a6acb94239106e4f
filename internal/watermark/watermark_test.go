// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package watermark

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T, ttl time.Duration) *BadgerStore {
	t.Helper()
	s, err := Open(Config{InMemory: true, TTL: ttl})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero ttl", Config{InMemory: true}},
		{"missing path", Config{TTL: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Open(tt.cfg); err == nil {
				t.Error("Open() error = nil, want error")
			}
		})
	}
}

func TestBadgerStore_SetGetClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, time.Hour)

	if _, ok, err := s.Get(ctx, "S1"); err != nil || ok {
		t.Fatalf("Get(unset) = ok %v, err %v; want absent", ok, err)
	}

	t1 := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	if err := s.Set(ctx, "S1", t1); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := s.Get(ctx, "S1")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if !got.Equal(t1) {
		t.Errorf("Get() = %v, want %v", got, t1)
	}

	// Overwrite advances the checkpoint.
	t2 := t1.Add(30 * time.Minute)
	if err := s.Set(ctx, "S1", t2); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := s.Get(ctx, "S1"); !got.Equal(t2) {
		t.Errorf("Get() after overwrite = %v, want %v", got, t2)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 || !all["S1"].Equal(t2) {
		t.Errorf("List() = %v", all)
	}

	if err := s.Clear(ctx, "S1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := s.Clear(ctx, "S1"); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "S1"); ok {
		t.Error("watermark still present after Clear")
	}
}

func TestBadgerStore_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for badger TTL")
	}
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, time.Second)

	if err := s.Set(ctx, "S1", time.Now()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2100 * time.Millisecond)
	if _, ok, err := s.Get(ctx, "S1"); err != nil || ok {
		t.Errorf("Get() after TTL = ok %v, err %v; want absent", ok, err)
	}
}

func TestBadgerStore_Closed(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{InMemory: true, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "S1", time.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("Set() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestBadgerStore_RunGCInMemory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Hour)
	if err := s.RunGC(); err != nil {
		t.Errorf("RunGC() error = %v", err)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(24*time.Hour, func() time.Time { return now })

	if err := m.Set(ctx, "S1", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "S1"); !ok {
		t.Fatal("watermark missing before TTL")
	}
	now = now.Add(25 * time.Hour)
	if _, ok, _ := m.Get(ctx, "S1"); ok {
		t.Error("watermark present after TTL")
	}
}
