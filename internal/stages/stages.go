// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package stages holds the downstream processors run by consumer runtimes.
//
// The chain is linear, one topic per hop:
//
//	content.discovered -> persist    -> content.persisted
//	content.persisted  -> tagging    -> content.tagged
//	content.tagged     -> enrichment -> content.enriched
//	content.enriched   -> indexing
//
// Every processor writes by idempotency key and forwards a follow-up
// envelope whose key is derived from its input key, so redelivery of an
// input re-emits the same follow-up and the transport drops it.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/ingestd/internal/database"
	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
	"github.com/tomtom215/ingestd/internal/validation"
)

// Stage names. Each is also the consumer group name on its input topic.
const (
	StagePersist    = "persist"
	StageTagging    = "tagging"
	StageEnrichment = "enrichment"
	StageIndexing   = "indexing"
)

// Binding ties a stage to its input topic and, if it forwards, its output topic.
type Binding struct {
	Stage  string
	Input  string
	Output string
}

// Topology returns the stage chain in processing order.
func Topology() []Binding {
	return []Binding{
		{Stage: StagePersist, Input: models.EventContentDiscovered, Output: models.EventContentPersisted},
		{Stage: StageTagging, Input: models.EventContentPersisted, Output: models.EventContentTagged},
		{Stage: StageEnrichment, Input: models.EventContentTagged, Output: models.EventContentEnriched},
		{Stage: StageIndexing, Input: models.EventContentEnriched},
	}
}

// Store is the keyed upsert surface the stages write to. *database.DB implements it.
type Store interface {
	UpsertContent(ctx context.Context, rec *models.ContentRecord) error
	UpsertAnnotation(ctx context.Context, rec *models.AnnotationRecord) error
	ListAnnotations(ctx context.Context, contentKey string) ([]models.AnnotationRecord, error)
	UpsertSearchDocument(ctx context.Context, doc *models.SearchDocument) error
}

// Appender is the transport as seen by forwarding stages.
type Appender interface {
	Append(ctx context.Context, topic string, env models.Envelope, opts ...transport.AppendOption) (transport.Offset, error)
}

// decodeContent extracts and checks the content payload carried by every
// topic of the chain. Anything that cannot be decoded is terminal.
func decodeContent(env models.Envelope) (models.ContentPayload, error) {
	var p models.ContentPayload
	if err := env.Decode(&p); err != nil {
		return p, deadletter.Terminal(deadletter.CodeMalformed, fmt.Errorf("decode %s payload: %w", env.EventType, err))
	}
	if p.ContentKey == "" {
		return p, deadletter.Terminal(deadletter.CodeMalformed, errors.New("payload has no content_key"))
	}
	if err := validation.ValidateStruct(&p.Unit); err != nil {
		return p, err
	}
	return p, nil
}

// storeError classifies a write failure. Conflicts and lost connections
// are worth retrying; anything else the database rejects is a bad record.
func storeError(op string, err error) error {
	switch {
	case database.IsTransactionConflict(err):
		return deadletter.Transient(deadletter.CodeConflict, fmt.Errorf("%s: %w", op, err))
	case database.IsRetryable(err):
		return deadletter.Transient(deadletter.CodeUnavailable, fmt.Errorf("%s: %w", op, err))
	case errors.Is(err, context.DeadlineExceeded):
		return deadletter.Transient(deadletter.CodeTimeout, fmt.Errorf("%s: %w", op, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// forward emits the follow-up envelope of stage for the input key.
func forward(ctx context.Context, log Appender, stage, topic, inputKey string, payload any, now time.Time) error {
	env, err := models.NewEnvelope(topic, idempotency.ForwardKey(stage, inputKey), payload, now)
	if err != nil {
		return deadletter.Terminal(deadletter.CodeMalformed, err)
	}
	if _, err := log.Append(ctx, topic, env); err != nil {
		return deadletter.Transient(deadletter.CodeUnavailable, fmt.Errorf("forward to %s: %w", topic, err))
	}
	return nil
}
