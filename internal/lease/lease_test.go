// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/ingestd/internal/transport"
)

func TestLocalLocker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker(time.Minute)
	l.now = func() time.Time { return now }

	first, err := l.Acquire(ctx, "S1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := l.Acquire(ctx, "S1"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrHeld", err)
	}
	if _, err := l.Acquire(ctx, "S2"); err != nil {
		t.Fatalf("Acquire(other) error = %v", err)
	}

	if err := first.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("second Release() error = %v, want ErrLost", err)
	}

	// Expiry lets another holder in and the old lease is lost.
	stale, err := l.Acquire(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := l.Acquire(ctx, "S1"); err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	if err := stale.Refresh(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("stale Refresh() error = %v, want ErrLost", err)
	}
}

func startKV(t *testing.T) jetstream.KeyValue {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded NATS server skipped in short mode")
	}
	srv, err := transport.NewEmbeddedServer(transport.ServerConfig{Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewEmbeddedServer() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	nc, err := transport.Connect(transport.ConnectConfig{URL: srv.ClientURL(), Name: "lease-test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	kv, err := EnsureBucket(context.Background(), js, "ingest_leases", time.Minute)
	if err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	return kv
}

func TestKVLocker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := startKV(t)

	a := NewKVLocker(kv, "instance-a")
	b := NewKVLocker(kv, "instance-b")

	held, err := a.Acquire(ctx, "chan/with spaces")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := b.Acquire(ctx, "chan/with spaces"); !errors.Is(err, ErrHeld) {
		t.Fatalf("Acquire() by other holder error = %v, want ErrHeld", err)
	}

	// The same holder cannot take its own live lease a second time.
	if _, err := a.Acquire(ctx, "chan/with spaces"); !errors.Is(err, ErrHeld) {
		t.Fatalf("re-Acquire() by same holder error = %v, want ErrHeld", err)
	}

	if err := held.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := held.Refresh(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("Refresh() after release error = %v, want ErrLost", err)
	}
	if _, err := b.Acquire(ctx, "chan/with spaces"); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}
