// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import (
	"context"
	"sort"

	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Index builds the search document of a content record from the content
// and every annotation stored for it. The document is rebuilt whole on
// each delivery, so order and repetition do not matter.
type Index struct {
	store Store
}

// NewIndex returns the indexing processor.
func NewIndex(store Store) *Index {
	return &Index{store: store}
}

// Handle implements consumer.Processor.
func (x *Index) Handle(ctx context.Context, e transport.Entry) error {
	payload, err := decodeContent(e.Envelope)
	if err != nil {
		return err
	}
	annotations, err := x.store.ListAnnotations(ctx, payload.ContentKey)
	if err != nil {
		return storeError("list annotations", err)
	}

	doc := &models.SearchDocument{
		ContentKey: payload.ContentKey,
		SourceID:   payload.Unit.SourceID,
		Body:       payload.Unit.Text,
		Tags:       mergeLabels(annotations),
		PostedAt:   payload.Unit.PostedAt,
	}
	if err := x.store.UpsertSearchDocument(ctx, doc); err != nil {
		return storeError("upsert search document", err)
	}
	logging.Ctx(ctx).Debug().Int("tags", len(doc.Tags)).Msg("Content indexed")
	return nil
}

func mergeLabels(annotations []models.AnnotationRecord) []string {
	set := map[string]struct{}{}
	for _, a := range annotations {
		for _, l := range a.Labels {
			set[l] = struct{}{}
		}
	}
	tags := make([]string, 0, len(set))
	for l := range set {
		tags = append(tags, l)
	}
	sort.Strings(tags)
	return tags
}
