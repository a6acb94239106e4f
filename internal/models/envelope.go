// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// SchemaVersion is the envelope schema version written by this build.
const SchemaVersion = 1

// Event types carried on the log.
const (
	EventContentDiscovered = "content.discovered"
	EventContentPersisted  = "content.persisted"
	EventContentTagged     = "content.tagged"
	EventContentEnriched   = "content.enriched"
)

// Wire field names of the flat envelope map.
const (
	FieldEventType      = "event_type"
	FieldSchemaVersion  = "schema_version"
	FieldIdempotencyKey = "idempotency_key"
	FieldPayload        = "payload"
	FieldEmittedAt      = "emitted_at"
)

// Envelope is the unit placed on the log. It carries everything a consumer
// needs and nothing from the producing process.
type Envelope struct {
	EventType      string          `json:"event_type" validate:"required"`
	SchemaVersion  int             `json:"schema_version" validate:"min=1"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,len=64,hexadecimal"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	EmittedAt      time.Time       `json:"emitted_at" validate:"required"`
}

// NewEnvelope builds an envelope with payload marshaled to JSON.
func NewEnvelope(eventType, key string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType:      eventType,
		SchemaVersion:  SchemaVersion,
		IdempotencyKey: key,
		Payload:        raw,
		EmittedAt:      now.UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Fields flattens the envelope into its wire map.
func (e *Envelope) Fields() map[string]string {
	return map[string]string{
		FieldEventType:      e.EventType,
		FieldSchemaVersion:  strconv.Itoa(e.SchemaVersion),
		FieldIdempotencyKey: e.IdempotencyKey,
		FieldPayload:        string(e.Payload),
		FieldEmittedAt:      e.EmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

// EnvelopeFromFields parses a wire map produced by Fields.
func EnvelopeFromFields(f map[string]string) (Envelope, error) {
	version, err := strconv.Atoi(f[FieldSchemaVersion])
	if err != nil {
		return Envelope{}, fmt.Errorf("bad %s %q: %w", FieldSchemaVersion, f[FieldSchemaVersion], err)
	}
	emitted, err := time.Parse(time.RFC3339Nano, f[FieldEmittedAt])
	if err != nil {
		return Envelope{}, fmt.Errorf("bad %s %q: %w", FieldEmittedAt, f[FieldEmittedAt], err)
	}
	return Envelope{
		EventType:      f[FieldEventType],
		SchemaVersion:  version,
		IdempotencyKey: f[FieldIdempotencyKey],
		Payload:        json.RawMessage(f[FieldPayload]),
		EmittedAt:      emitted,
	}, nil
}

// ContentPayload is the payload of content.discovered and content.persisted.
type ContentPayload struct {
	ContentKey string      `json:"content_key"`
	Unit       ContentUnit `json:"unit"`
}

// AnnotationPayload is the payload of content.tagged and content.enriched.
type AnnotationPayload struct {
	ContentKey    string            `json:"content_key"`
	AnnotationKey string            `json:"annotation_key"`
	Stage         string            `json:"stage"`
	Model         string            `json:"model"`
	ParamsHash    string            `json:"params_hash"`
	Labels        []string          `json:"labels,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Unit          ContentUnit       `json:"unit"`
}
