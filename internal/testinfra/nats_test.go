// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

//go:build integration

package testinfra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/lease"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

func envelope(t *testing.T, seq int64) models.Envelope {
	t.Helper()
	unit := models.ContentUnit{SourceID: "chan-1", Seq: seq, PostedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	key := idempotency.ContentKey(&unit)
	env, err := models.NewEnvelope(models.EventContentDiscovered, key, models.ContentPayload{ContentKey: key, Unit: unit}, unit.PostedAt)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestJetStreamLog_AgainstContainer(t *testing.T) {
	n := StartNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	streamCfg := transport.DefaultStreamConfig()
	si, err := transport.NewStreamInitializer(n.JetStream, streamCfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := si.EnsureStream(ctx); err != nil {
		t.Fatalf("EnsureStream() error = %v", err)
	}
	log := transport.NewJetStreamLog(n.Conn, n.JetStream, transport.JetStreamConfig{Stream: streamCfg, AckWait: 2 * time.Second})

	topic := models.EventContentDiscovered
	if err := log.EnsureGroup(ctx, topic, "persist"); err != nil {
		t.Fatal(err)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if _, err := log.Append(ctx, topic, envelope(t, seq)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	// Same idempotency key inside the dedup window is dropped by the server.
	if _, err := log.Append(ctx, topic, envelope(t, 1)); err != nil {
		t.Fatal(err)
	}

	entries, err := log.ReadGroup(ctx, transport.ReadRequest{Topic: topic, Group: "persist", Consumer: "c1", Cursor: transport.CursorNew, Count: 10, Block: 2 * time.Second})
	if err != nil {
		t.Fatalf("ReadGroup() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadGroup() = %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if err := log.Ack(ctx, topic, "persist", e.Offset); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}

	lag, err := log.Lag(ctx, topic, "persist")
	if err != nil {
		t.Fatal(err)
	}
	if lag.Total() != 0 {
		t.Errorf("Lag() = %+v, want drained", lag)
	}
}

func TestKVLocker_AgainstContainer(t *testing.T) {
	n := StartNATS(t)
	ctx := context.Background()

	kv, err := lease.EnsureBucket(ctx, n.JetStream, "ingestd_leases_test", 30*time.Second)
	if err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	a := lease.NewKVLocker(kv, "instance-a")
	b := lease.NewKVLocker(kv, "instance-b")

	held, err := a.Acquire(ctx, "source:S1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := b.Acquire(ctx, "source:S1"); !errors.Is(err, lease.ErrHeld) {
		t.Fatalf("second holder Acquire() error = %v, want ErrHeld", err)
	}
	if err := held.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := b.Acquire(ctx, "source:S1"); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}
