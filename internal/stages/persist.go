// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Persist upserts discovered content and forwards it to tagging.
type Persist struct {
	store  Store
	log    Appender
	output string
	now    func() time.Time
}

// NewPersist returns the persist processor.
func NewPersist(store Store, log Appender) *Persist {
	return &Persist{store: store, log: log, output: models.EventContentPersisted, now: time.Now}
}

// Handle implements consumer.Processor.
func (p *Persist) Handle(ctx context.Context, e transport.Entry) error {
	payload, err := decodeContent(e.Envelope)
	if err != nil {
		return err
	}
	unit := payload.Unit
	if want := idempotency.ContentKey(&unit); payload.ContentKey != want {
		return deadletter.Terminal(deadletter.CodeMalformed,
			fmt.Errorf("content_key %s does not match unit %s/%d", payload.ContentKey, unit.SourceID, unit.Seq))
	}

	rec := &models.ContentRecord{
		Key:      payload.ContentKey,
		SourceID: unit.SourceID,
		Seq:      unit.Seq,
		Text:     unit.Text,
		Media:    unit.Media,
		Views:    unit.Views,
		PostedAt: unit.PostedAt,
		EditedAt: unit.EditedAt,
	}
	if err := p.store.UpsertContent(ctx, rec); err != nil {
		return storeError("upsert content", err)
	}
	logging.Ctx(ctx).Debug().Str("source_id", unit.SourceID).Int64("seq", unit.Seq).Msg("Content persisted")

	return forward(ctx, p.log, StagePersist, p.output, e.Envelope.IdempotencyKey, payload, p.now())
}
