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

	"github.com/goccy/go-json"

	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
)

func recordQuery(op, table string, start time.Time, err error) {
	metrics.RecordDBQuery(op, table, time.Since(start), err)
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UpsertContent stores a content record under its idempotency key.
func (db *DB) UpsertContent(ctx context.Context, rec *models.ContentRecord) error {
	media, err := marshalText(nonNil(rec.Media))
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	now := time.Now().UTC()
	return db.InsertOrUpdate(ctx, StoreContent, rec.Key, map[string]any{
		"source_id":     rec.SourceID,
		"seq":           rec.Seq,
		"text":          rec.Text,
		"media":         media,
		"views":         rec.Views,
		"posted_at":     rec.PostedAt.UTC(),
		"edited_at":     nullTime(rec.EditedAt),
		"first_seen_at": now,
		"updated_at":    now,
	})
}

// GetContent returns the content record stored under key.
func (db *DB) GetContent(ctx context.Context, key string) (*models.ContentRecord, error) {
	var (
		rec    models.ContentRecord
		media  string
		edited sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `SELECT key, source_id, seq, text, media, views, posted_at, edited_at,
			first_seen_at, updated_at, writes
		FROM content WHERE key = ?`, key).Scan(
		&rec.Key, &rec.SourceID, &rec.Seq, &rec.Text, &media, &rec.Views, &rec.PostedAt, &edited,
		&rec.FirstSeenAt, &rec.UpdatedAt, &rec.Writes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", key, err)
	}
	rec.EditedAt = timePtr(edited)
	if err := json.Unmarshal([]byte(media), &rec.Media); err != nil {
		return nil, fmt.Errorf("decode media of %s: %w", key, err)
	}
	return &rec, nil
}

// CountContent returns the number of stored content records of a source.
func (db *DB) CountContent(ctx context.Context, sourceID string) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM content WHERE source_id = ?`, sourceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}

// UpsertAnnotation stores a tagging or enrichment result under its key.
func (db *DB) UpsertAnnotation(ctx context.Context, rec *models.AnnotationRecord) error {
	labels, err := marshalText(nonNil(rec.Labels))
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attributes, err := marshalText(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	return db.InsertOrUpdate(ctx, StoreAnnotations, rec.Key, map[string]any{
		"content_key": rec.ContentKey,
		"stage":       rec.Stage,
		"model":       rec.Model,
		"params_hash": rec.ParamsHash,
		"labels":      labels,
		"attributes":  attributes,
		"updated_at":  time.Now().UTC(),
	})
}

// ListAnnotations returns every annotation of a content record, ordered by stage.
func (db *DB) ListAnnotations(ctx context.Context, contentKey string) ([]models.AnnotationRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, content_key, stage, model, params_hash, labels, attributes, updated_at
		FROM annotations WHERE content_key = ? ORDER BY stage, key`, contentKey)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []models.AnnotationRecord
	for rows.Next() {
		var (
			rec           models.AnnotationRecord
			labels, attrs string
		)
		if err := rows.Scan(&rec.Key, &rec.ContentKey, &rec.Stage, &rec.Model, &rec.ParamsHash,
			&labels, &attrs, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertSearchDocument stores the indexing stage output.
func (db *DB) UpsertSearchDocument(ctx context.Context, doc *models.SearchDocument) error {
	tags, err := marshalText(nonNil(doc.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	return db.InsertOrUpdate(ctx, StoreSearch, doc.ContentKey, map[string]any{
		"source_id":  doc.SourceID,
		"body":       doc.Body,
		"tags":       tags,
		"posted_at":  doc.PostedAt.UTC(),
		"indexed_at": time.Now().UTC(),
	})
}

// GetSearchDocument returns the search document of a content record.
func (db *DB) GetSearchDocument(ctx context.Context, contentKey string) (*models.SearchDocument, error) {
	var (
		doc  models.SearchDocument
		tags string
	)
	err := db.conn.QueryRowContext(ctx, `SELECT content_key, source_id, body, tags, posted_at, indexed_at
		FROM search_documents WHERE content_key = ?`, contentKey).Scan(
		&doc.ContentKey, &doc.SourceID, &doc.Body, &tags, &doc.PostedAt, &doc.IndexedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get search document %s: %w", contentKey, err)
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &doc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
