// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package database

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ingestd/internal/models"
)

// InsertSignal journals an operational signal. Re-inserting the same ID is a no-op.
func (db *DB) InsertSignal(ctx context.Context, sig *models.Signal) error {
	attrs := sig.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attributes, err := marshalText(attrs)
	if err != nil {
		return fmt.Errorf("encode signal attributes: %w", err)
	}
	_, err = db.exec(ctx, "insert", "signals", `INSERT INTO signals (id, kind, severity, source_id, stage, message, attributes, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.Kind, sig.Severity, sig.SourceID, sig.Stage, sig.Message, attributes, sig.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListSignals returns the newest signals first, optionally filtered by kind.
func (db *DB) ListSignals(ctx context.Context, kind string, limit int) ([]models.Signal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, kind, severity, source_id, stage, message, attributes, at FROM signals`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		var (
			sig   models.Signal
			attrs string
		)
		if err := rows.Scan(&sig.ID, &sig.Kind, &sig.Severity, &sig.SourceID, &sig.Stage, &sig.Message, &attrs, &sig.At); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &sig.Attributes); err != nil {
			return nil, fmt.Errorf("decode signal attributes: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
