// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// UpsertSource registers or updates a source's descriptive fields. It never
// touches last_processed_at, which only the scheduler moves.
func (db *DB) UpsertSource(ctx context.Context, src *models.Source) error {
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	query := `INSERT INTO sources (id, title, username, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			username = EXCLUDED.username,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`

	if _, err := db.exec(ctx, "upsert", "sources", query,
		src.ID, src.Title, src.Username, src.IsActive, src.CreatedAt, src.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

const sourceStateColumns = `s.id, s.title, s.username, s.last_processed_at, s.is_active, s.created_at, s.updated_at,
	COALESCE(st.mode, ''), st.last_tick_at, COALESCE(st.last_outcome, ''), COALESCE(st.last_error, ''),
	COALESCE(st.consecutive_failures, 0), st.next_eligible_at`

func scanSourceState(row interface{ Scan(...any) error }) (models.SourceState, error) {
	var (
		st                      models.SourceState
		lpa, lastTick, nextElig sql.NullTime
	)
	err := row.Scan(
		&st.Source.ID, &st.Source.Title, &st.Source.Username, &lpa, &st.Source.IsActive,
		&st.Source.CreatedAt, &st.Source.UpdatedAt,
		&st.Mode, &lastTick, &st.LastOutcome, &st.LastError, &st.ConsecutiveFailures, &nextElig,
	)
	if err != nil {
		return st, err
	}
	st.Source.LastProcessedAt = timePtr(lpa)
	st.LastTickAt = timePtr(lastTick)
	st.NextEligibleAt = timePtr(nextElig)
	return st, nil
}

// GetSourceState returns a source with its scheduler state.
func (db *DB) GetSourceState(ctx context.Context, id string) (models.SourceState, error) {
	query := `SELECT ` + sourceStateColumns + `
		FROM sources s LEFT JOIN scheduler_state st ON st.source_id = s.id
		WHERE s.id = ?`
	st, err := scanSourceState(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("get source %s: %w", id, err)
	}
	return st, nil
}

// ListSourceStates returns every source, optionally only active ones, ordered by ID.
func (db *DB) ListSourceStates(ctx context.Context, activeOnly bool) ([]models.SourceState, error) {
	query := `SELECT ` + sourceStateColumns + `
		FROM sources s LEFT JOIN scheduler_state st ON st.source_id = s.id`
	if activeOnly {
		query += ` WHERE s.is_active`
	}
	query += ` ORDER BY s.id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []models.SourceState
	for rows.Next() {
		st, err := scanSourceState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveSourceState persists the scheduler's view of a source together with
// its last_processed_at, in one transaction.
func (db *DB) SaveSourceState(ctx context.Context, st models.SourceState) error {
	start := time.Now()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if st.Source.LastProcessedAt != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sources SET last_processed_at = ?, updated_at = ? WHERE id = ?`,
			nullTime(st.Source.LastProcessedAt), now, st.Source.ID,
		); err != nil {
			return fmt.Errorf("advance last_processed_at %s: %w", st.Source.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO scheduler_state (
			source_id, mode, last_tick_at, last_outcome, last_error, consecutive_failures, next_eligible_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			last_tick_at = EXCLUDED.last_tick_at,
			last_outcome = EXCLUDED.last_outcome,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			next_eligible_at = EXCLUDED.next_eligible_at,
			updated_at = EXCLUDED.updated_at`,
		st.Source.ID, st.Mode, nullTime(st.LastTickAt), st.LastOutcome, st.LastError,
		st.ConsecutiveFailures, nullTime(st.NextEligibleAt), now,
	); err != nil {
		return fmt.Errorf("save scheduler state %s: %w", st.Source.ID, err)
	}

	err = tx.Commit()
	recordQuery("save_state", "scheduler_state", start, err)
	if err != nil {
		return fmt.Errorf("commit scheduler state %s: %w", st.Source.ID, err)
	}
	return nil
}
