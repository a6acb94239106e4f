// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package transport is the durable, ordered, append-only log that carries
// envelopes between the scheduler and the consumer stages.
//
// A topic is an ordered log. A group is a named set of competing consumers:
// each entry is delivered to one member at a time and stays pending for that
// member until acknowledged. Two drivers implement Log: JetStreamLog for
// production and MemoryLog for tests and single-process runs.
package transport

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// Cursor selects which entries ReadGroup returns.
type Cursor string

const (
	// CursorPending returns entries delivered to this consumer but not yet acked.
	CursorPending Cursor = "0"

	// CursorNew returns entries never delivered to the group.
	CursorNew Cursor = ">"
)

// ParseCursor accepts the wire tokens and their names.
func ParseCursor(s string) (Cursor, error) {
	switch s {
	case "0", "pending":
		return CursorPending, nil
	case ">", "new":
		return CursorNew, nil
	}
	return "", ErrInvalidCursor
}

// Offset identifies an entry within a topic.
type Offset uint64

// Entry is one delivered log entry.
type Entry struct {
	Topic    string
	Offset   Offset
	Envelope models.Envelope

	// Deliveries counts how many times the entry has been handed out, including this one.
	Deliveries int

	// DecodeErr is set when the stored bytes are not a valid envelope.
	// Envelope is then zero and Raw holds the bytes as read; the entry
	// still has to be acked once it has been dead-lettered.
	DecodeErr error
	Raw       []byte
}

// ReadRequest parameterizes ReadGroup.
type ReadRequest struct {
	Topic    string
	Group    string
	Consumer string
	Cursor   Cursor
	Count    int

	// Block bounds how long a CursorNew read waits for entries. Zero returns immediately.
	Block time.Duration
}

// GroupLag is the backlog of one group on one topic.
type GroupLag struct {
	Topic   string `json:"topic"`
	Group   string `json:"group"`
	Pending uint64 `json:"pending"`
	Backlog uint64 `json:"backlog"`
}

// Total is unacked plus undelivered entries.
func (l GroupLag) Total() uint64 {
	return l.Pending + l.Backlog
}

// AppendOption tunes a single append.
type AppendOption func(*appendOptions)

type appendOptions struct {
	dedupID string
}

// WithDedupID overrides the transport dedup ID, which defaults to the
// envelope's idempotency key.
func WithDedupID(id string) AppendOption {
	return func(o *appendOptions) { o.dedupID = id }
}

func resolveAppendOptions(env *models.Envelope, opts []AppendOption) appendOptions {
	o := appendOptions{dedupID: env.IdempotencyKey}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Log is the Log Transport contract.
type Log interface {
	// Append adds env to topic and returns its offset. Appending an envelope
	// whose dedup ID was seen within the dedup window returns the original
	// offset without adding an entry.
	Append(ctx context.Context, topic string, env models.Envelope, opts ...AppendOption) (Offset, error)

	// EnsureGroup creates group on topic. Creating an existing group is a no-op.
	EnsureGroup(ctx context.Context, topic, group string) error

	// ReadGroup returns entries for one consumer according to the cursor.
	ReadGroup(ctx context.Context, req ReadRequest) ([]Entry, error)

	// Ack removes an entry from the group's pending set.
	Ack(ctx context.Context, topic, group string, offset Offset) error

	// Claim transfers entries idle for at least minIdle to consumer.
	Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	// Lag reports pending and undelivered counts for a group.
	Lag(ctx context.Context, topic, group string) (GroupLag, error)

	// Healthy reports whether the transport can serve requests.
	Healthy(ctx context.Context) error
}

var (
	// ErrGroupNotFound is returned when reading from a group that was never ensured.
	ErrGroupNotFound = errors.New("transport: consumer group not found")

	// ErrUnknownOffset is returned when acking an offset that is not pending.
	ErrUnknownOffset = errors.New("transport: offset not pending")

	// ErrInvalidCursor is returned for cursors other than "0" and ">".
	ErrInvalidCursor = errors.New("transport: invalid cursor")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
}
