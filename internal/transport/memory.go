// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// MemoryLog is an in-process Log with the same group semantics as the
// JetStream driver. Entries do not survive the process.
type MemoryLog struct {
	mu          sync.Mutex
	topics      map[string]*memTopic
	dedupWindow time.Duration
	now         func() time.Time
	notify      chan struct{}
	closed      bool
}

type memTopic struct {
	entries []models.Envelope // offset n is entries[n-1]
	dedup   map[string]dedupMark
	groups  map[string]*memGroup
}

type dedupMark struct {
	offset Offset
	at     time.Time
}

type memGroup struct {
	lastDelivered Offset
	pending       map[Offset]*pendingEntry
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// MemoryOption configures a MemoryLog.
type MemoryOption func(*MemoryLog)

// WithDedupWindow sets how long dedup IDs are remembered. Default 2 minutes.
func WithDedupWindow(d time.Duration) MemoryOption {
	return func(l *MemoryLog) { l.dedupWindow = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLog) { l.now = now }
}

// NewMemoryLog creates an empty in-process log.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		topics:      make(map[string]*memTopic),
		dedupWindow: 2 * time.Minute,
		now:         time.Now,
		notify:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLog) topic(name string) *memTopic {
	t, ok := l.topics[name]
	if !ok {
		t = &memTopic{dedup: make(map[string]dedupMark), groups: make(map[string]*memGroup)}
		l.topics[name] = t
	}
	return t
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, topic string, env models.Envelope, opts ...AppendOption) (Offset, error) {
	o := resolveAppendOptions(&env, opts)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	now := l.now()
	t := l.topic(topic)
	if mark, ok := t.dedup[o.dedupID]; ok && now.Sub(mark.at) < l.dedupWindow {
		return mark.offset, nil
	}
	for id, mark := range t.dedup {
		if now.Sub(mark.at) >= l.dedupWindow {
			delete(t.dedup, id)
		}
	}

	t.entries = append(t.entries, env)
	off := Offset(len(t.entries))
	t.dedup[o.dedupID] = dedupMark{offset: off, at: now}

	close(l.notify)
	l.notify = make(chan struct{})
	return off, nil
}

// EnsureGroup implements Log. A new group starts at the beginning of the topic.
func (l *MemoryLog) EnsureGroup(_ context.Context, topic, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	t := l.topic(topic)
	if _, ok := t.groups[group]; !ok {
		t.groups[group] = &memGroup{pending: make(map[Offset]*pendingEntry)}
	}
	return nil
}

// ReadGroup implements Log.
func (l *MemoryLog) ReadGroup(ctx context.Context, req ReadRequest) ([]Entry, error) {
	if req.Cursor != CursorPending && req.Cursor != CursorNew {
		return nil, ErrInvalidCursor
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	var deadline <-chan time.Time
	if req.Cursor == CursorNew && req.Block > 0 {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		t := l.topic(req.Topic)
		g, ok := t.groups[req.Group]
		if !ok {
			l.mu.Unlock()
			return nil, ErrGroupNotFound
		}

		var out []Entry
		if req.Cursor == CursorPending {
			out = l.readPending(req, t, g)
		} else {
			out = l.readNew(req, t, g)
		}
		wait := l.notify
		l.mu.Unlock()

		if len(out) > 0 || req.Cursor == CursorPending || deadline == nil {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (l *MemoryLog) readPending(req ReadRequest, t *memTopic, g *memGroup) []Entry {
	offsets := make([]Offset, 0, len(g.pending))
	for off, p := range g.pending {
		if p.consumer == req.Consumer {
			offsets = append(offsets, off)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	if len(offsets) > req.Count {
		offsets = offsets[:req.Count]
	}

	now := l.now()
	out := make([]Entry, 0, len(offsets))
	for _, off := range offsets {
		p := g.pending[off]
		p.deliveries++
		p.deliveredAt = now
		out = append(out, Entry{Topic: req.Topic, Offset: off, Envelope: t.entries[off-1], Deliveries: p.deliveries})
	}
	return out
}

func (l *MemoryLog) readNew(req ReadRequest, t *memTopic, g *memGroup) []Entry {
	now := l.now()
	var out []Entry
	for off := g.lastDelivered + 1; off <= Offset(len(t.entries)) && len(out) < req.Count; off++ {
		g.pending[off] = &pendingEntry{consumer: req.Consumer, deliveredAt: now, deliveries: 1}
		g.lastDelivered = off
		out = append(out, Entry{Topic: req.Topic, Offset: off, Envelope: t.entries[off-1], Deliveries: 1})
	}
	return out
}

// Ack implements Log. Acking an already-acked entry is a no-op.
func (l *MemoryLog) Ack(_ context.Context, topic, group string, offset Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	t := l.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		return ErrGroupNotFound
	}
	if offset == 0 || offset > g.lastDelivered {
		return ErrUnknownOffset
	}
	delete(g.pending, offset)
	return nil
}

// Claim implements Log.
func (l *MemoryLog) Claim(_ context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	t := l.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}

	now := l.now()
	offsets := make([]Offset, 0)
	for off, p := range g.pending {
		if p.consumer != consumer && now.Sub(p.deliveredAt) >= minIdle {
			offsets = append(offsets, off)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	if count > 0 && len(offsets) > count {
		offsets = offsets[:count]
	}

	out := make([]Entry, 0, len(offsets))
	for _, off := range offsets {
		p := g.pending[off]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, Entry{Topic: topic, Offset: off, Envelope: t.entries[off-1], Deliveries: p.deliveries})
	}
	return out, nil
}

// Lag implements Log.
func (l *MemoryLog) Lag(_ context.Context, topic, group string) (GroupLag, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		return GroupLag{}, ErrGroupNotFound
	}
	return GroupLag{
		Topic:   topic,
		Group:   group,
		Pending: uint64(len(g.pending)),
		Backlog: uint64(Offset(len(t.entries)) - g.lastDelivered),
	}, nil
}

// Healthy implements Log.
func (l *MemoryLog) Healthy(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of entries ever appended to topic.
func (l *MemoryLog) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topic(topic).entries)
}

// Close wakes blocked readers and rejects further calls.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notify)
	}
	return nil
}
