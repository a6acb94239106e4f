// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package audit keeps a durable trail of operator actions taken through the
// API: dead-letter replays, resolutions and purges, source registrations
// and manual ticks.
//
// Handlers hand events to a Logger, which buffers them and writes them to
// a Store from its own goroutine so that a slow database never stalls a
// request. The Logger also purges events older than the retention period.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Action names what an operator did.
type Action string

// Audited actions.
const (
	ActionDeadLetterReplay  Action = "deadletter.replay"
	ActionDeadLetterResolve Action = "deadletter.resolve"
	ActionDeadLetterPurge   Action = "deadletter.purge"
	ActionSourceRegister    Action = "source.register"
	ActionSourceTick        Action = "source.tick"
)

// Outcome reports whether the action took effect.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Target types.
const (
	TargetDeadLetter = "deadletter"
	TargetSource     = "source"
)

// ErrNotFound is returned by Get for an unknown event.
var ErrNotFound = errors.New("audit: event not found")

// Event is one audited action.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome"`

	// Actor is the token subject, or "anonymous" when authentication is off.
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`

	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id,omitempty"`

	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Error is the failure message when Outcome is failure.
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// QueryFilter narrows Query. Zero fields match everything.
type QueryFilter struct {
	Action     Action
	Outcome    Outcome
	ActorID    string
	TargetType string
	TargetID   string
	Since      *time.Time

	// Limit defaults to 100 and is capped at 1000.
	Limit int
}

func (f QueryFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 1000:
		return 1000
	}
	return f.Limit
}

// Store persists audit events.
type Store interface {
	Save(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// Query returns matching events, newest first.
	Query(ctx context.Context, f QueryFilter) ([]Event, error)
	// Delete removes events older than cutoff and reports how many.
	Delete(ctx context.Context, cutoff time.Time) (int64, error)
}
