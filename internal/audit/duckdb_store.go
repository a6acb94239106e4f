// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/ingestd/internal/metrics"
)

// DuckDBStore implements Store on the shared DuckDB connection.
// Call CreateTable before use.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore returns a store over db.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// CreateTable creates the audit_events table and its time index.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			action VARCHAR NOT NULL,
			outcome VARCHAR NOT NULL,
			actor_id VARCHAR NOT NULL,
			actor_role VARCHAR NOT NULL DEFAULT '',
			target_type VARCHAR NOT NULL DEFAULT '',
			target_id VARCHAR NOT NULL DEFAULT '',
			source_ip VARCHAR NOT NULL DEFAULT '',
			user_agent VARCHAR NOT NULL DEFAULT '',
			request_id VARCHAR NOT NULL DEFAULT '',
			error VARCHAR NOT NULL DEFAULT '',
			metadata VARCHAR
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events (timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create audit table: %w", err)
		}
	}
	return nil
}

// Save implements Store.
func (s *DuckDBStore) Save(ctx context.Context, e *Event) error {
	var meta any
	if len(e.Metadata) > 0 {
		meta = string(e.Metadata)
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (
			id, timestamp, action, outcome, actor_id, actor_role, target_type, target_id,
			source_ip, user_agent, request_id, error, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC(), string(e.Action), string(e.Outcome), e.ActorID, e.ActorRole,
		e.TargetType, e.TargetID, e.SourceIP, e.UserAgent, e.RequestID, e.Error, meta,
	)
	metrics.RecordDBQuery("insert", "audit_events", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("save audit event %s: %w", e.ID, err)
	}
	return nil
}

const eventColumns = `id, timestamp, action, outcome, actor_id, actor_role, target_type, target_id,
	source_ip, user_agent, request_id, error, metadata`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var (
		e       Event
		action  string
		outcome string
		meta    sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Timestamp, &action, &outcome, &e.ActorID, &e.ActorRole,
		&e.TargetType, &e.TargetID, &e.SourceIP, &e.UserAgent, &e.RequestID, &e.Error, &meta); err != nil {
		return nil, err
	}
	e.Action, e.Outcome = Action(action), Outcome(outcome)
	if meta.Valid && meta.String != "" {
		e.Metadata = []byte(meta.String)
	}
	return &e, nil
}

// Get implements Store.
func (s *DuckDBStore) Get(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", id, err)
	}
	return e, nil
}

// Query implements Store.
func (s *DuckDBStore) Query(ctx context.Context, f QueryFilter) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE 1 = 1`
	var args []any
	add := func(column, value string) {
		if value != "" {
			query += ` AND ` + column + ` = ?`
			args = append(args, value)
		}
	}
	add("action", string(f.Action))
	add("outcome", string(f.Outcome))
	add("actor_id", f.ActorID)
	add("target_type", f.TargetType)
	add("target_id", f.TargetID)
	if f.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC, id LIMIT ?`
	args = append(args, f.limit())

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("query", "audit_events", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *DuckDBStore) Delete(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return res.RowsAffected()
}
