// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

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

// CreateTable creates the deadletter table if it does not exist.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	// No index on status: DuckDB rewrites index entries on every update
	// and status changes on each attempt.
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS deadletter (
		id VARCHAR PRIMARY KEY,
		entity_type VARCHAR NOT NULL,
		entity_id VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		topic VARCHAR NOT NULL DEFAULT '',
		stage VARCHAR NOT NULL DEFAULT '',
		idempotency_key VARCHAR NOT NULL DEFAULT '',
		payload VARCHAR NOT NULL DEFAULT '{}',
		error_code VARCHAR NOT NULL DEFAULT '',
		error_message VARCHAR NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_retry_at TIMESTAMP,
		status VARCHAR NOT NULL,
		first_seen_at TIMESTAMP NOT NULL,
		last_attempt_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		UNIQUE (entity_type, entity_id, event_type)
	)`)
	if err != nil {
		return fmt.Errorf("create deadletter table: %w", err)
	}
	return nil
}

func (s *DuckDBStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery(op, "deadletter", time.Since(start), err)
	return res, err
}

// InsertOrUpdate implements Store.
func (s *DuckDBStore) InsertOrUpdate(ctx context.Context, rec *Record) error {
	_, err := s.exec(ctx, "upsert", `INSERT INTO deadletter (
			id, entity_type, entity_id, event_type, topic, stage, idempotency_key, payload,
			error_code, error_message, retry_count, max_attempts, next_retry_at, status,
			first_seen_at, last_attempt_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, event_type) DO UPDATE SET
			topic = EXCLUDED.topic,
			stage = EXCLUDED.stage,
			idempotency_key = EXCLUDED.idempotency_key,
			payload = EXCLUDED.payload,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			max_attempts = EXCLUDED.max_attempts,
			next_retry_at = EXCLUDED.next_retry_at,
			status = EXCLUDED.status,
			first_seen_at = EXCLUDED.first_seen_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			resolved_at = EXCLUDED.resolved_at`,
		rec.ID, rec.EntityType, rec.EntityID, rec.EventType, rec.Topic, rec.Stage, rec.IdempotencyKey, rec.Payload,
		rec.ErrorCode, rec.ErrorMessage, rec.RetryCount, rec.MaxAttempts, nullTime(rec.NextRetryAt), string(rec.Status),
		rec.FirstSeenAt.UTC(), rec.LastAttemptAt.UTC(), nullTime(rec.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert deadletter %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}

	// The conflict path keeps the stored ID; read it back so callers see it.
	var id string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM deadletter WHERE entity_type = ? AND entity_id = ? AND event_type = ?`,
		rec.EntityType, rec.EntityID, rec.EventType,
	).Scan(&id); err != nil {
		return fmt.Errorf("read deadletter id: %w", err)
	}
	rec.ID = id
	return nil
}

const recordColumns = `id, entity_type, entity_id, event_type, topic, stage, idempotency_key, payload,
	error_code, error_message, retry_count, max_attempts, next_retry_at, status,
	first_seen_at, last_attempt_at, resolved_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec               Record
		status            string
		nextRetry, solved sql.NullTime
	)
	if err := row.Scan(
		&rec.ID, &rec.EntityType, &rec.EntityID, &rec.EventType, &rec.Topic, &rec.Stage, &rec.IdempotencyKey, &rec.Payload,
		&rec.ErrorCode, &rec.ErrorMessage, &rec.RetryCount, &rec.MaxAttempts, &nextRetry, &status,
		&rec.FirstSeenAt, &rec.LastAttemptAt, &solved,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.NextRetryAt = timePtr(nextRetry)
	rec.ResolvedAt = timePtr(solved)
	rec.FirstSeenAt = rec.FirstSeenAt.UTC()
	rec.LastAttemptAt = rec.LastAttemptAt.UTC()
	return &rec, nil
}

func (s *DuckDBStore) getOne(ctx context.Context, where string, args ...any) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM deadletter WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deadletter: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *DuckDBStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.getOne(ctx, `id = ?`, id)
}

// FindByEntity implements Store.
func (s *DuckDBStore) FindByEntity(ctx context.Context, entityType, entityID, eventType string) (*Record, error) {
	return s.getOne(ctx, `entity_type = ? AND entity_id = ? AND event_type = ?`, entityType, entityID, eventType)
}

// List implements Store.
func (s *DuckDBStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM deadletter WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY last_attempt_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deadletter: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deadletter: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Resolve implements Store.
func (s *DuckDBStore) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, "resolve",
		`UPDATE deadletter SET status = ?, resolved_at = ?, next_retry_at = NULL WHERE id = ?`,
		string(StatusResolved), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve deadletter %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeResolved implements Store.
func (s *DuckDBStore) PurgeResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "purge",
		`DELETE FROM deadletter WHERE status = ? AND resolved_at < ?`, string(StatusResolved), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge deadletter: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus implements Store.
func (s *DuckDBStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deadletter GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deadletter: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64, len(Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
