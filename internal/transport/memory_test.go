// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/models"
)

const testTopic = "content.discovered"

func testEnvelope(t *testing.T, seq int64) models.Envelope {
	t.Helper()
	unit := models.ContentUnit{SourceID: "chan-1", Seq: seq, PostedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	env, err := models.NewEnvelope(models.EventContentDiscovered, idempotency.ContentKey(&unit),
		models.ContentPayload{ContentKey: idempotency.ContentKey(&unit), Unit: unit}, unit.PostedAt)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func newGroupLog(t *testing.T, opts ...MemoryOption) *MemoryLog {
	t.Helper()
	l := NewMemoryLog(opts...)
	if err := l.EnsureGroup(context.Background(), testTopic, "persist"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	return l
}

func TestParseCursor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Cursor
		wantErr bool
	}{
		{"0", CursorPending, false},
		{"pending", CursorPending, false},
		{">", CursorNew, false},
		{"new", CursorNew, false},
		{"$", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCursor(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCursor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCursor(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemoryLog_AppendDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLog()

	env := testEnvelope(t, 10)
	first, err := l.Append(ctx, testTopic, env)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second, err := l.Append(ctx, testTopic, env)
	if err != nil {
		t.Fatalf("Append() duplicate error = %v", err)
	}
	if first != second {
		t.Errorf("duplicate offset = %d, want %d", second, first)
	}
	if n := l.Len(testTopic); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}

	// A distinct dedup ID re-emits the same envelope.
	third, err := l.Append(ctx, testTopic, env, WithDedupID("replay-1"))
	if err != nil {
		t.Fatalf("Append() replay error = %v", err)
	}
	if third == first {
		t.Errorf("replay offset = %d, want new offset", third)
	}
}

func TestMemoryLog_DedupWindowExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	l := NewMemoryLog(WithDedupWindow(time.Minute), WithClock(clock))

	env := testEnvelope(t, 1)
	if _, err := l.Append(ctx, testTopic, env); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, err := l.Append(ctx, testTopic, env); err != nil {
		t.Fatal(err)
	}
	if n := l.Len(testTopic); n != 2 {
		t.Errorf("Len() = %d, want 2 after window expiry", n)
	}
}

func TestMemoryLog_ReadNewThenPendingThenAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newGroupLog(t)

	for seq := int64(10); seq <= 12; seq++ {
		if _, err := l.Append(ctx, testTopic, testEnvelope(t, seq)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorNew, Count: 10})
	if err != nil {
		t.Fatalf("ReadGroup(new) error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadGroup(new) returned %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Offset != Offset(i+1) {
			t.Errorf("entries[%d].Offset = %d, want %d", i, e.Offset, i+1)
		}
	}

	// Nothing new remains.
	again, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorNew, Count: 10})
	if err != nil || len(again) != 0 {
		t.Fatalf("second ReadGroup(new) = %d entries, err %v; want none", len(again), err)
	}

	if err := l.Ack(ctx, testTopic, "persist", 2); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	pending, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorPending, Count: 10})
	if err != nil {
		t.Fatalf("ReadGroup(pending) error = %v", err)
	}
	if len(pending) != 2 || pending[0].Offset != 1 || pending[1].Offset != 3 {
		t.Fatalf("pending = %+v, want offsets 1 and 3", pending)
	}
	if pending[0].Deliveries != 2 {
		t.Errorf("Deliveries = %d, want 2", pending[0].Deliveries)
	}

	// Other consumers do not see c1's pending entries.
	other, _ := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c2", Cursor: CursorPending, Count: 10})
	if len(other) != 0 {
		t.Errorf("c2 pending = %d, want 0", len(other))
	}

	lag, err := l.Lag(ctx, testTopic, "persist")
	if err != nil {
		t.Fatal(err)
	}
	if lag.Pending != 2 || lag.Backlog != 0 || lag.Total() != 2 {
		t.Errorf("Lag() = %+v, want pending 2 backlog 0", lag)
	}
}

func TestMemoryLog_AckSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newGroupLog(t)

	if _, err := l.Append(ctx, testTopic, testEnvelope(t, 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Ack(ctx, testTopic, "persist", 1); !errors.Is(err, ErrUnknownOffset) {
		t.Errorf("Ack(undelivered) error = %v, want ErrUnknownOffset", err)
	}
	if _, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c1", Cursor: CursorNew, Count: 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Ack(ctx, testTopic, "persist", 1); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := l.Ack(ctx, testTopic, "persist", 1); err != nil {
		t.Errorf("second Ack() error = %v, want nil", err)
	}
	if err := l.Ack(ctx, testTopic, "missing", 1); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Ack(missing group) error = %v, want ErrGroupNotFound", err)
	}
}

func TestMemoryLog_GroupsAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newGroupLog(t)
	if err := l.EnsureGroup(ctx, testTopic, "audit"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, testTopic, testEnvelope(t, 1)); err != nil {
		t.Fatal(err)
	}

	for _, group := range []string{"persist", "audit"} {
		got, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: group, Consumer: "c", Cursor: CursorNew, Count: 5})
		if err != nil || len(got) != 1 {
			t.Errorf("group %s read %d entries, err %v; want 1", group, len(got), err)
		}
	}
}

func TestMemoryLog_ReadErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLog()

	_, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "nope", Consumer: "c", Cursor: CursorNew})
	if !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("error = %v, want ErrGroupNotFound", err)
	}
	_, err = l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "nope", Consumer: "c", Cursor: "$"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("error = %v, want ErrInvalidCursor", err)
	}
}

func TestMemoryLog_BlockingRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("times out empty", func(t *testing.T) {
		t.Parallel()
		l := newGroupLog(t)
		start := time.Now()
		got, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c", Cursor: CursorNew, Count: 1, Block: 50 * time.Millisecond})
		if err != nil || len(got) != 0 {
			t.Fatalf("got %d entries, err %v; want timeout with none", len(got), err)
		}
		if time.Since(start) < 40*time.Millisecond {
			t.Errorf("returned after %v, want to block", time.Since(start))
		}
	})

	t.Run("wakes on append", func(t *testing.T) {
		t.Parallel()
		l := newGroupLog(t)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = l.Append(ctx, testTopic, testEnvelope(t, 7))
		}()
		got, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c", Cursor: CursorNew, Count: 1, Block: 5 * time.Second})
		if err != nil || len(got) != 1 {
			t.Fatalf("got %d entries, err %v; want 1", len(got), err)
		}
	})

	t.Run("close wakes reader", func(t *testing.T) {
		t.Parallel()
		l := newGroupLog(t)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = l.Close()
		}()
		_, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "c", Cursor: CursorNew, Count: 1, Block: 5 * time.Second})
		if !errors.Is(err, ErrClosed) {
			t.Errorf("error = %v, want ErrClosed", err)
		}
	})
}

func TestMemoryLog_Claim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	l := newGroupLog(t, WithClock(clock))

	for seq := int64(1); seq <= 2; seq++ {
		if _, err := l.Append(ctx, testTopic, testEnvelope(t, seq)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "dead", Cursor: CursorNew, Count: 2}); err != nil {
		t.Fatal(err)
	}

	claimed, err := l.Claim(ctx, testTopic, "persist", "alive", time.Minute, 10)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("early Claim() = %d entries, err %v; want none", len(claimed), err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	claimed, err = l.Claim(ctx, testTopic, "persist", "alive", time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Claim() = %d entries, want 2", len(claimed))
	}

	pending, _ := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "alive", Cursor: CursorPending, Count: 10})
	if len(pending) != 2 {
		t.Errorf("alive pending = %d, want 2", len(pending))
	}
	gone, _ := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: "dead", Cursor: CursorPending, Count: 10})
	if len(gone) != 0 {
		t.Errorf("dead pending = %d, want 0", len(gone))
	}
}

func TestMemoryLog_ConcurrentConsumersSplitEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newGroupLog(t)

	const total = 50
	for seq := int64(0); seq < total; seq++ {
		if _, err := l.Append(ctx, testTopic, testEnvelope(t, seq)); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[Offset]string)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumer := "c" + strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := l.ReadGroup(ctx, ReadRequest{Topic: testTopic, Group: "persist", Consumer: consumer, Cursor: CursorNew, Count: 3})
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, e := range got {
					if prev, dup := seen[e.Offset]; dup {
						t.Errorf("offset %d delivered to %s and %s", e.Offset, prev, consumer)
					}
					seen[e.Offset] = consumer
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Errorf("delivered %d distinct entries, want %d", len(seen), total)
	}
}
