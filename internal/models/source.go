// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package models holds the data types shared across the ingestion pipeline.
package models

import "time"

// Source is a logical content origin (channel, group or dialog).
// The scheduler only ever writes LastProcessedAt.
type Source struct {
	ID              string     `json:"id" validate:"required,max=256"`
	Title           string     `json:"title,omitempty" validate:"max=512"`
	Username        string     `json:"username,omitempty" validate:"max=256"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ContentUnit is one item fetched from a Source.
type ContentUnit struct {
	SourceID string     `json:"source_id" validate:"required"`
	Seq      int64      `json:"seq" validate:"gte=0"`
	Text     string     `json:"text,omitempty"`
	Media    []string   `json:"media,omitempty"`
	Views    int64      `json:"views,omitempty"`
	EditedAt *time.Time `json:"edited_at,omitempty"`
	PostedAt time.Time  `json:"posted_at" validate:"required"`
}

// Edited reports whether the unit carries an edit timestamp.
func (u *ContentUnit) Edited() bool {
	return u.EditedAt != nil && !u.EditedAt.IsZero()
}

// Scheduler modes.
const (
	ModeHistorical  = "historical"
	ModeIncremental = "incremental"
)

// SourceState is the scheduler's view of one source. It is loaded before a
// tick, passed into it, and the returned value is persisted.
type SourceState struct {
	Source              Source     `json:"source"`
	Mode                string     `json:"mode,omitempty"`
	LastTickAt          *time.Time `json:"last_tick_at,omitempty"`
	LastOutcome         string     `json:"last_outcome,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextEligibleAt      *time.Time `json:"next_eligible_at,omitempty"`

	// Watermark is reported alongside the state but lives in the watermark store.
	Watermark *time.Time `json:"watermark,omitempty"`
}
