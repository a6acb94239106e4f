// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id VARCHAR PRIMARY KEY,
		title VARCHAR NOT NULL DEFAULT '',
		username VARCHAR NOT NULL DEFAULT '',
		last_processed_at TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduler_state (
		source_id VARCHAR PRIMARY KEY,
		mode VARCHAR NOT NULL DEFAULT '',
		last_tick_at TIMESTAMP,
		last_outcome VARCHAR NOT NULL DEFAULT '',
		last_error VARCHAR NOT NULL DEFAULT '',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		next_eligible_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS content (
		key VARCHAR PRIMARY KEY,
		source_id VARCHAR NOT NULL,
		seq BIGINT NOT NULL,
		text VARCHAR NOT NULL DEFAULT '',
		media VARCHAR NOT NULL DEFAULT '[]',
		views BIGINT NOT NULL DEFAULT 0,
		posted_at TIMESTAMP NOT NULL,
		edited_at TIMESTAMP,
		first_seen_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		writes INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		key VARCHAR PRIMARY KEY,
		content_key VARCHAR NOT NULL,
		stage VARCHAR NOT NULL,
		model VARCHAR NOT NULL,
		params_hash VARCHAR NOT NULL,
		labels VARCHAR NOT NULL DEFAULT '[]',
		attributes VARCHAR NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		writes INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS search_documents (
		content_key VARCHAR PRIMARY KEY,
		source_id VARCHAR NOT NULL,
		body VARCHAR NOT NULL DEFAULT '',
		tags VARCHAR NOT NULL DEFAULT '[]',
		posted_at TIMESTAMP NOT NULL,
		indexed_at TIMESTAMP NOT NULL,
		writes INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id VARCHAR PRIMARY KEY,
		kind VARCHAR NOT NULL,
		severity VARCHAR NOT NULL,
		source_id VARCHAR NOT NULL DEFAULT '',
		stage VARCHAR NOT NULL DEFAULT '',
		message VARCHAR NOT NULL DEFAULT '',
		attributes VARCHAR NOT NULL DEFAULT '{}',
		at TIMESTAMP NOT NULL
	)`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_content_source_seq ON content(source_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_content ON annotations(content_key)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_at ON signals(at)`,
}

func (db *DB) createTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
