// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/consumer"
	"github.com/tomtom215/ingestd/internal/database"
	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

var posted = time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu          sync.Mutex
	content     map[string]models.ContentRecord
	annotations map[string]models.AnnotationRecord
	docs        map[string]models.SearchDocument
	err         error
}

func newMemStore() *memStore {
	return &memStore{
		content:     map[string]models.ContentRecord{},
		annotations: map[string]models.AnnotationRecord{},
		docs:        map[string]models.SearchDocument{},
	}
}

func (m *memStore) UpsertContent(_ context.Context, rec *models.ContentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	prev := m.content[rec.Key]
	r := *rec
	r.Writes = prev.Writes + 1
	m.content[rec.Key] = r
	return nil
}

func (m *memStore) UpsertAnnotation(_ context.Context, rec *models.AnnotationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.annotations[rec.Key] = *rec
	return nil
}

func (m *memStore) ListAnnotations(_ context.Context, contentKey string) ([]models.AnnotationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnnotationRecord
	for _, a := range m.annotations {
		if a.ContentKey == contentKey {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpsertSearchDocument(_ context.Context, doc *models.SearchDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[doc.ContentKey] = *doc
	return nil
}

func discovered(t *testing.T, unit models.ContentUnit) transport.Entry {
	t.Helper()
	key := idempotency.ContentKey(&unit)
	env, err := models.NewEnvelope(models.EventContentDiscovered, key, models.ContentPayload{ContentKey: key, Unit: unit}, posted)
	if err != nil {
		t.Fatal(err)
	}
	return transport.Entry{Topic: models.EventContentDiscovered, Offset: 1, Envelope: env, Deliveries: 1}
}

func TestPersist_UpsertsAndForwardsOnce(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	log := transport.NewMemoryLog()
	defer log.Close()
	p := NewPersist(store, log)

	entry := discovered(t, models.ContentUnit{SourceID: "S1", Seq: 10, Text: "hello #News", PostedAt: posted})
	for i := 0; i < 3; i++ {
		if err := p.Handle(context.Background(), entry); err != nil {
			t.Fatalf("Handle() #%d error = %v", i, err)
		}
	}

	rec, ok := store.content[entry.Envelope.IdempotencyKey]
	if !ok || rec.Writes != 3 || rec.Seq != 10 {
		t.Fatalf("content record = %+v, want one record written 3 times", rec)
	}
	if n := log.Len(models.EventContentPersisted); n != 1 {
		t.Errorf("forwarded entries = %d, want 1 (deduplicated)", n)
	}
}

func TestPersist_Errors(t *testing.T) {
	t.Parallel()

	unit := models.ContentUnit{SourceID: "S1", Seq: 1, PostedAt: posted}
	good := discovered(t, unit)

	garbled := good
	garbled.Envelope.Payload = []byte(`{"content_key":`)

	wrongKey := good
	wrongKey.Envelope, _ = models.NewEnvelope(models.EventContentDiscovered, good.Envelope.IdempotencyKey,
		models.ContentPayload{ContentKey: idempotency.Hash("other"), Unit: unit}, posted)

	invalid := discovered(t, models.ContentUnit{SourceID: "S1", Seq: -1, PostedAt: posted})

	tests := []struct {
		name     string
		entry    transport.Entry
		storeErr error
		class    deadletter.Class
		code     string
	}{
		{"malformed payload", garbled, nil, deadletter.ClassTerminal, deadletter.CodeMalformed},
		{"key mismatch", wrongKey, nil, deadletter.ClassTerminal, deadletter.CodeMalformed},
		{"invalid unit", invalid, nil, deadletter.ClassTerminal, deadletter.CodeValidation},
		{"write conflict", good, errors.New("TransactionContext Error: Conflict on update!"), deadletter.ClassTransient, deadletter.CodeConflict},
		{"database closed", good, errors.New("sql: database is closed"), deadletter.ClassTransient, deadletter.CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newMemStore()
			store.err = tt.storeErr
			log := transport.NewMemoryLog()
			defer log.Close()

			err := NewPersist(store, log).Handle(context.Background(), tt.entry)
			if err == nil {
				t.Fatal("Handle() error = nil")
			}
			class, code := deadletter.Classify(err)
			if class != tt.class || code != tt.code {
				t.Errorf("Classify() = %s/%s, want %s/%s", class, code, tt.class, tt.code)
			}
			if log.Len(models.EventContentPersisted) != 0 {
				t.Error("failed entry was forwarded")
			}
		})
	}
}

func TestAnnotate_KeyedByParams(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	log := transport.NewMemoryLog()
	defer log.Close()
	ctx := context.Background()

	entry := discovered(t, models.ContentUnit{SourceID: "S1", Seq: 3, Text: "Match report #Football", PostedAt: posted})
	v1 := NewAnnotate(StageTagging, &KeywordTagger{}, store, log, models.EventContentTagged)
	v2 := NewAnnotate(StageTagging, &KeywordTagger{Keywords: map[string]string{"report": "news"}}, store, log, models.EventContentTagged)

	for _, a := range []*Annotate{v1, v1, v2} {
		if err := a.Handle(ctx, entry); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	got, _ := store.ListAnnotations(ctx, entry.Envelope.IdempotencyKey)
	if len(got) != 2 {
		t.Fatalf("annotations = %d, want one per params hash (2)", len(got))
	}
	if log.Len(models.EventContentTagged) != 1 {
		t.Errorf("forwarded = %d, want 1", log.Len(models.EventContentTagged))
	}
	labels := map[string]bool{}
	for _, a := range got {
		for _, l := range a.Labels {
			labels[l] = true
		}
	}
	if !labels["football"] || !labels["news"] {
		t.Errorf("labels = %v, want football and news", labels)
	}
}

func TestStatsEnricher(t *testing.T) {
	t.Parallel()
	got, err := StatsEnricher{}.Annotate(context.Background(), models.ContentUnit{
		Text: "see https://example.com now", Media: []string{"a.jpg"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Attributes["words"] != "3" || got.Attributes["media"] != "1" || got.Attributes["edited"] != "false" {
		t.Errorf("attributes = %v", got.Attributes)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "has-media" || got.Labels[1] != "has-link" {
		t.Errorf("labels = %v", got.Labels)
	}
}

func TestIndex_MergesAnnotationLabels(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	ctx := context.Background()
	entry := discovered(t, models.ContentUnit{SourceID: "S1", Seq: 4, Text: "body", PostedAt: posted})
	key := entry.Envelope.IdempotencyKey

	store.annotations["a"] = models.AnnotationRecord{Key: "a", ContentKey: key, Labels: []string{"sports", "news"}}
	store.annotations["b"] = models.AnnotationRecord{Key: "b", ContentKey: key, Labels: []string{"news", "has-media"}}

	if err := NewIndex(store).Handle(ctx, entry); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	doc := store.docs[key]
	want := []string{"has-media", "news", "sports"}
	if len(doc.Tags) != len(want) {
		t.Fatalf("tags = %v, want %v", doc.Tags, want)
	}
	for i := range want {
		if doc.Tags[i] != want[i] {
			t.Errorf("tags = %v, want %v", doc.Tags, want)
			break
		}
	}
	if doc.Body != "body" || doc.SourceID != "S1" {
		t.Errorf("doc = %+v", doc)
	}
}

// TestPipeline_EndToEnd drives one unit through every stage against DuckDB.
func TestPipeline_EndToEnd(t *testing.T) {
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 1})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	log := transport.NewMemoryLog()
	defer log.Close()
	failures := deadletter.NewManager(deadletter.NewMemoryStore(), nil, log, nil)

	tagger, enricher, err := Annotators(config.StagesConfig{})
	if err != nil {
		t.Fatal(err)
	}
	runtimes, groups, err := Runtimes(config.TransportConfig{BatchSize: 8, BlockTimeout: 5 * time.Millisecond},
		1, log, Processors(db, log, tagger, enricher), failures)
	if err != nil {
		t.Fatalf("Runtimes() error = %v", err)
	}
	if len(runtimes) != 4 || len(groups) != 4 {
		t.Fatalf("Runtimes() = %d runtimes, %d groups", len(runtimes), len(groups))
	}
	for _, g := range groups {
		if err := log.EnsureGroup(ctx, g.Topic, g.Stage); err != nil {
			t.Fatal(err)
		}
	}

	entry := discovered(t, models.ContentUnit{SourceID: "S1", Seq: 10, Text: "Derby tonight #football", Media: []string{"x.jpg"}, PostedAt: posted})
	if _, err := log.Append(ctx, models.EventContentDiscovered, entry.Envelope); err != nil {
		t.Fatal(err)
	}

	for _, rt := range runtimes {
		if _, err := rt.RunOnce(ctx); err != nil {
			t.Fatalf("%s RunOnce() error = %v", rt, err)
		}
	}

	key := entry.Envelope.IdempotencyKey
	if _, err := db.GetContent(ctx, key); err != nil {
		t.Fatalf("GetContent() error = %v", err)
	}
	anns, err := db.ListAnnotations(ctx, key)
	if err != nil || len(anns) != 2 {
		t.Fatalf("ListAnnotations() = %d, %v; want tagging and enrichment", len(anns), err)
	}
	doc, err := db.GetSearchDocument(ctx, key)
	if err != nil {
		t.Fatalf("GetSearchDocument() error = %v", err)
	}
	tags := map[string]bool{}
	for _, tag := range doc.Tags {
		tags[tag] = true
	}
	if !tags["football"] || !tags["has-media"] {
		t.Errorf("search tags = %v", doc.Tags)
	}

	lags, err := consumer.NewLagReporter(log, time.Second, groups...).Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lags {
		if l.Total() != 0 {
			t.Errorf("lag of %s = %+v, want drained", l.Group, l)
		}
	}
}
