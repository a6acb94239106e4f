// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package models

import "time"

// ContentRecord is a persisted content unit, keyed by its idempotency key.
type ContentRecord struct {
	Key         string     `json:"key"`
	SourceID    string     `json:"source_id"`
	Seq         int64      `json:"seq"`
	Text        string     `json:"text,omitempty"`
	Media       []string   `json:"media,omitempty"`
	Views       int64      `json:"views"`
	PostedAt    time.Time  `json:"posted_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Writes      int        `json:"writes"`
}

// AnnotationRecord is a tagging or enrichment result.
type AnnotationRecord struct {
	Key        string            `json:"key"`
	ContentKey string            `json:"content_key"`
	Stage      string            `json:"stage"`
	Model      string            `json:"model"`
	ParamsHash string            `json:"params_hash"`
	Labels     []string          `json:"labels,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SearchDocument is the indexing stage output.
type SearchDocument struct {
	ContentKey string    `json:"content_key"`
	SourceID   string    `json:"source_id"`
	Body       string    `json:"body"`
	Tags       []string  `json:"tags,omitempty"`
	PostedAt   time.Time `json:"posted_at"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Signal is an operational event surfaced to operators.
type Signal struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Severity   string            `json:"severity"`
	SourceID   string            `json:"source_id,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         time.Time         `json:"at"`
}

// Signal kinds.
const (
	SignalModeForced   = "mode_forced"
	SignalTickEmpty    = "tick_empty"
	SignalTickFailed   = "tick_failed"
	SignalRateLimited  = "rate_limited"
	SignalDeadLettered = "dead_lettered"
	SignalReplayed     = "replayed"
)

// Signal severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)
