// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Store names a keyed table that accepts InsertOrUpdate.
type Store string

// Upsertable stores.
const (
	StoreContent     Store = "content"
	StoreAnnotations Store = "annotations"
	StoreSearch      Store = "search_documents"
)

type storeDef struct {
	keyColumn string
	columns   map[string]bool

	// insertOnly columns keep their first written value.
	insertOnly map[string]bool
}

var stores = map[Store]storeDef{
	StoreContent: {
		keyColumn: "key",
		columns: set("source_id", "seq", "text", "media", "views", "posted_at", "edited_at",
			"first_seen_at", "updated_at"),
		insertOnly: set("first_seen_at"),
	},
	StoreAnnotations: {
		keyColumn: "key",
		columns:   set("content_key", "stage", "model", "params_hash", "labels", "attributes", "updated_at"),
	},
	StoreSearch: {
		keyColumn: "content_key",
		columns:   set("source_id", "body", "tags", "posted_at", "indexed_at"),
	},
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// InsertOrUpdate writes fields under key in one statement: the row is
// inserted, or updated in place when the key already exists. Every store
// counts writes per key so repeated deliveries are observable without
// producing extra rows.
func (db *DB) InsertOrUpdate(ctx context.Context, store Store, key string, fields map[string]any) error {
	def, ok := stores[store]
	if !ok {
		return fmt.Errorf("unknown store %q", store)
	}
	if key == "" {
		return fmt.Errorf("%s: empty key", store)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !def.columns[name] {
			return fmt.Errorf("%s: unknown column %q", store, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(names)+1)
	args = append(args, key)
	updates := make([]string, 0, len(names)+1)
	for _, name := range names {
		args = append(args, fields[name])
		if !def.insertOnly[name] {
			updates = append(updates, name+" = EXCLUDED."+name)
		}
	}
	updates = append(updates, "writes = writes + 1")

	cols := append([]string{def.keyColumn}, names...)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		store,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		def.keyColumn,
		strings.Join(updates, ", "),
	)

	if _, err := db.exec(ctx, "upsert", string(store), query, args...); err != nil {
		return fmt.Errorf("upsert %s %s: %w", store, key, err)
	}
	return nil
}
