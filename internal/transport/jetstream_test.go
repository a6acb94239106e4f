// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func startJetStream(t *testing.T) *JetStreamLog {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded NATS server skipped in short mode")
	}

	srv, err := NewEmbeddedServer(ServerConfig{Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewEmbeddedServer() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	nc, err := Connect(ConnectConfig{URL: srv.ClientURL(), Name: "transport-test"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream.New() error = %v", err)
	}

	streamCfg := DefaultStreamConfig()
	streamCfg.Storage = jetstream.MemoryStorage
	si, err := NewStreamInitializer(js, streamCfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := si.EnsureStream(ctx); err != nil {
		t.Fatalf("EnsureStream() error = %v", err)
	}
	// Second call updates in place.
	if _, err := si.EnsureStream(ctx); err != nil {
		t.Fatalf("EnsureStream() second call error = %v", err)
	}
	if !si.IsHealthy(ctx) {
		t.Fatal("stream not healthy")
	}

	return NewJetStreamLog(nc, js, JetStreamConfig{Stream: streamCfg, AckWait: 5 * time.Second})
}

func TestConsumerName(t *testing.T) {
	t.Parallel()
	if got := ConsumerName("content.discovered", "persist"); got != "content_discovered__persist" {
		t.Errorf("ConsumerName() = %q", got)
	}
}

func TestNewStreamInitializer_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewStreamInitializer(nil, DefaultStreamConfig()); err == nil {
		t.Error("expected error for nil JetStream context")
	}
}

func TestJetStreamLog_RoundTrip(t *testing.T) {
	t.Parallel()
	l := startJetStream(t)
	ctx := context.Background()

	if err := l.Healthy(ctx); err != nil {
		t.Fatalf("Healthy() error = %v", err)
	}
	if err := l.EnsureGroup(ctx, testTopic, "persist"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	// Idempotent.
	if err := l.EnsureGroup(ctx, testTopic, "persist"); err != nil {
		t.Fatalf("EnsureGroup() second call error = %v", err)
	}

	var offsets []Offset
	for seq := int64(10); seq <= 12; seq++ {
		off, err := l.Append(ctx, testTopic, testEnvelope(t, seq))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		offsets = append(offsets, off)
	}
	dup, err := l.Append(ctx, testTopic, testEnvelope(t, 10))
	if err != nil {
		t.Fatalf("Append() duplicate error = %v", err)
	}
	if dup != offsets[0] {
		t.Errorf("duplicate offset = %d, want %d", dup, offsets[0])
	}

	entries, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorNew, Count: 10, Block: time.Second})
	if err != nil {
		t.Fatalf("ReadGroup(new) error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadGroup(new) = %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Offset != offsets[i] {
			t.Errorf("entries[%d].Offset = %d, want %d", i, e.Offset, offsets[i])
		}
		if e.Envelope.IdempotencyKey != testEnvelope(t, int64(10+i)).IdempotencyKey {
			t.Errorf("entries[%d] key mismatch", i)
		}
	}

	if err := l.Ack(ctx, testTopic, "persist", entries[1].Offset); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	pending, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorPending, Count: 10})
	if err != nil {
		t.Fatalf("ReadGroup(pending) error = %v", err)
	}
	if len(pending) != 2 || pending[0].Offset != offsets[0] || pending[1].Offset != offsets[2] {
		t.Fatalf("pending = %+v, want offsets %d and %d", pending, offsets[0], offsets[2])
	}

	lag, err := l.Lag(ctx, testTopic, "persist")
	if err != nil {
		t.Fatalf("Lag() error = %v", err)
	}
	if lag.Pending != 2 || lag.Backlog != 0 {
		t.Errorf("Lag() = %+v, want pending 2 backlog 0", lag)
	}
}

func TestJetStreamLog_ReadUnknownGroup(t *testing.T) {
	t.Parallel()
	l := startJetStream(t)

	_, err := l.ReadGroup(context.Background(), ReadRequest{Topic: testTopic, Group: "ghost", Consumer: "c", Cursor: CursorNew})
	if !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("error = %v, want ErrGroupNotFound", err)
	}
}

func TestJetStreamLog_NonBlockingEmptyRead(t *testing.T) {
	t.Parallel()
	l := startJetStream(t)
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, testTopic, "persist"); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c", Cursor: CursorNew, Count: 5})
	if err != nil {
		t.Fatalf("ReadGroup() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d entries, want 0", len(got))
	}
}

func TestJetStreamLog_MalformedEntryHandedOut(t *testing.T) {
	t.Parallel()
	l := startJetStream(t)
	ctx := context.Background()

	if err := l.EnsureGroup(ctx, testTopic, "persist"); err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{"schema_version":"x"}`)
	if _, err := l.js.Publish(ctx, l.Subject(testTopic), raw); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	good, err := l.Append(ctx, testTopic, testEnvelope(t, 1))
	if err != nil {
		t.Fatal(err)
	}

	entries, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorNew, Count: 10, Block: time.Second})
	if err != nil {
		t.Fatalf("ReadGroup(new) error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadGroup(new) = %d entries, want 2", len(entries))
	}
	bad := entries[0]
	if bad.DecodeErr == nil || string(bad.Raw) != string(raw) {
		t.Fatalf("malformed entry = %+v, want decode error and raw bytes", bad)
	}
	if entries[1].DecodeErr != nil || entries[1].Offset != good {
		t.Errorf("valid entry = %+v", entries[1])
	}

	// Still pending until acked, and still marked malformed on re-read.
	pending, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorPending, Count: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].DecodeErr == nil || pending[0].Deliveries != 2 {
		t.Fatalf("pending = %+v, want malformed entry redelivered", pending)
	}

	if err := l.Ack(ctx, testTopic, "persist", bad.Offset); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	lag, err := l.Lag(ctx, testTopic, "persist")
	if err != nil {
		t.Fatal(err)
	}
	if lag.Pending != 1 {
		t.Errorf("Lag().Pending = %d, want 1 after acking the malformed entry", lag.Pending)
	}
}
