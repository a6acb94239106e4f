// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	correlationIDKey  contextKey = "correlation_id"
	requestIDKey      contextKey = "request_id"
	sourceIDKey       contextKey = "source_id"
	stageKey          contextKey = "stage"
	idempotencyKeyKey contextKey = "idempotency_key"
)

// GenerateCorrelationID returns a short correlation ID.
func GenerateCorrelationID() string {
	return uuid.New().String()[:8]
}

// GenerateRequestID returns a full UUID request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextWithCorrelationID stores a correlation ID on ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithNewCorrelationID stores a freshly generated correlation ID on ctx.
func ContextWithNewCorrelationID(ctx context.Context) context.Context {
	return ContextWithCorrelationID(ctx, GenerateCorrelationID())
}

// CorrelationIDFromContext returns the correlation ID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// ContextWithRequestID stores an HTTP request ID on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithSource tags ctx with the source being ticked.
func ContextWithSource(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// ContextWithStage tags ctx with the pipeline stage name.
func ContextWithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// ContextWithIdempotencyKey tags ctx with the key of the envelope in flight.
func ContextWithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// Ctx returns the global logger enriched with every pipeline field present on ctx.
//
//	logging.Ctx(ctx).Warn().Msg("source rate limited")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := Logger().With()
	for _, k := range []contextKey{correlationIDKey, requestIDKey, sourceIDKey, stageKey, idempotencyKeyKey} {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			logCtx = logCtx.Str(string(k), v)
		}
	}
	l := logCtx.Logger()
	return &l
}
