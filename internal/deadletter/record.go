// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// Status is the lifecycle state of a record.
type Status string

const (
	// StatusPending is a first failure awaiting its first retry.
	StatusPending Status = "pending"
	// StatusRetrying has failed more than once and is still being retried.
	StatusRetrying Status = "retrying"
	// StatusDead exhausted its attempts or failed terminally. It is
	// excluded from automatic redelivery until replayed.
	StatusDead Status = "dead"
	// StatusResolved ended by success, replay or operator action.
	StatusResolved Status = "resolved"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRetrying, StatusDead, StatusResolved}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Open reports whether the record still needs attention.
func (s Status) Open() bool {
	return s != StatusResolved
}

// Record is a tracked unit of failed work, unique per
// (EntityType, EntityID, EventType).
type Record struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	EventType  string `json:"event_type"`

	// Topic is where a replay re-appends the envelope.
	Topic          string `json:"topic"`
	Stage          string `json:"stage"`
	IdempotencyKey string `json:"idempotency_key"`

	// Payload is the flat field map of the failed envelope, JSON encoded.
	Payload string `json:"payload"`

	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`

	RetryCount  int        `json:"retry_count"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Status      Status     `json:"status"`

	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Envelope decodes the stored payload back into the failed envelope.
func (r *Record) Envelope() (models.Envelope, error) {
	var fields map[string]string
	if err := unmarshalFields(r.Payload, &fields); err != nil {
		return models.Envelope{}, err
	}
	return models.EnvelopeFromFields(fields)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status     Status
	EntityType string
	Limit      int
}
