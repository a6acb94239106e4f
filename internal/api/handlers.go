// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ingestd/internal/audit"
	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/scheduler"
	"github.com/tomtom215/ingestd/internal/transport"
	"github.com/tomtom215/ingestd/internal/validation"
)

// DeadLetters is the dead-letter surface; *deadletter.Manager satisfies it.
type DeadLetters interface {
	List(ctx context.Context, f deadletter.Filter) ([]deadletter.Record, error)
	Get(ctx context.Context, id string) (*deadletter.Record, error)
	Replay(ctx context.Context, id string) (*deadletter.Record, transport.Offset, error)
	Resolve(ctx context.Context, id string) (*deadletter.Record, error)
	Counts(ctx context.Context) (map[deadletter.Status]int64, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Scheduler reports and drives source ticks; *scheduler.Scheduler satisfies it.
type Scheduler interface {
	States(ctx context.Context) ([]models.SourceState, error)
	TickSource(ctx context.Context, id string) (scheduler.Result, error)
}

// SourceRegistry registers sources; *database.DB satisfies it.
type SourceRegistry interface {
	UpsertSource(ctx context.Context, src *models.Source) error
}

// LagReporter reports consumer group lag; *consumer.LagReporter satisfies it.
type LagReporter interface {
	Snapshot(ctx context.Context) ([]transport.GroupLag, error)
}

// SignalJournal lists journaled signals; *database.DB satisfies it.
type SignalJournal interface {
	ListSignals(ctx context.Context, kind string, limit int) ([]models.Signal, error)
}

// AuditTrail records and lists operator actions; *audit.Logger satisfies it.
type AuditTrail interface {
	Log(e *audit.Event)
	Query(ctx context.Context, f audit.QueryFilter) ([]audit.Event, error)
}

// HealthCheck is one readiness dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves the operational API.
type Handler struct {
	deadLetters DeadLetters
	scheduler   Scheduler
	sources     SourceRegistry
	lag         LagReporter
	signals     SignalJournal
	audit       AuditTrail
	checks      []HealthCheck
	startTime   time.Time
}

// NewHandler creates the API handlers.
func NewHandler(d Deps) *Handler {
	return &Handler{
		deadLetters: d.DeadLetters,
		scheduler:   d.Scheduler,
		sources:     d.Sources,
		lag:         d.Lag,
		signals:     d.Signals,
		audit:       d.Audit,
		checks:      d.HealthChecks,
		startTime:   time.Now(),
	}
}

// record logs an operator action to the audit trail, if there is one.
func (h *Handler) record(r *http.Request, action audit.Action, targetType, targetID string, err error, meta any) {
	if h.audit == nil {
		return
	}
	e := audit.FromRequest(r, action, targetType, targetID, err)
	if meta != nil {
		e.WithMetadata(meta)
	}
	h.audit.Log(e)
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON decodes and validates a request body, writing the error
// response itself. It reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	rw := NewResponseWriter(w, r)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return false
	}
	if err := validation.ValidateStruct(dst); err != nil {
		rw.ValidationError("request validation failed", validationDetails(err))
		return false
	}
	return true
}
