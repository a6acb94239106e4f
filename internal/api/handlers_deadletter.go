// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/ingestd/internal/audit"
	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/transport"
	"github.com/tomtom215/ingestd/internal/validation"
)

const defaultListLimit = 100

// deadLetterQuery is the validated query of GET /deadletter.
type deadLetterQuery struct {
	Status     string `validate:"omitempty,oneof=pending retrying dead resolved"`
	EntityType string `validate:"max=64"`
	Limit      int    `validate:"gte=1,lte=1000"`
}

// ReplayResponse is returned by a successful replay.
type ReplayResponse struct {
	Record *deadletter.Record `json:"record"`
	Offset uint64             `json:"offset"`
}

// PurgeResponse is returned by a purge.
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// parseLimit reads the limit query parameter; absent means the default.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	return strconv.Atoi(v)
}

// ListDeadLetters handles GET /api/v1/deadletter.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit, err := parseLimit(r)
	if err != nil {
		rw.BadRequest("limit must be an integer")
		return
	}
	q := deadLetterQuery{
		Status:     r.URL.Query().Get("status"),
		EntityType: r.URL.Query().Get("entity_type"),
		Limit:      limit,
	}
	if err := validation.ValidateStruct(&q); err != nil {
		rw.ValidationError("invalid query", validationDetails(err))
		return
	}

	// One extra row tells us whether there is more.
	records, err := h.deadLetters.List(r.Context(), deadletter.Filter{
		Status:     deadletter.Status(q.Status),
		EntityType: q.EntityType,
		Limit:      q.Limit + 1,
	})
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	hasMore := len(records) > q.Limit
	if hasMore {
		records = records[:q.Limit]
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	rw.SuccessWithPagination(records, &PaginationMeta{Count: len(records), Limit: q.Limit, HasMore: hasMore})
}

// DeadLetterCounts handles GET /api/v1/deadletter/counts.
func (h *Handler) DeadLetterCounts(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	counts, err := h.deadLetters.Counts(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	out := make(map[string]int64, len(deadletter.Statuses))
	for _, s := range deadletter.Statuses {
		out[string(s)] = counts[s]
	}
	rw.Success(out)
}

// GetDeadLetter handles GET /api/v1/deadletter/{id}.
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rec, err := h.deadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.deadLetterError(rw, err)
		return
	}
	rw.Success(rec)
}

// ReplayDeadLetter handles POST /api/v1/deadletter/{id}/replay.
func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")
	rec, off, err := h.deadLetters.Replay(r.Context(), id)
	if err != nil {
		h.record(r, audit.ActionDeadLetterReplay, audit.TargetDeadLetter, id, err, nil)
		h.deadLetterError(rw, err)
		return
	}
	h.record(r, audit.ActionDeadLetterReplay, audit.TargetDeadLetter, id, nil, map[string]any{
		"offset": uint64(off),
		"stage":  rec.Stage,
	})
	rw.Success(ReplayResponse{Record: rec, Offset: uint64(off)})
}

// ResolveDeadLetter handles POST /api/v1/deadletter/{id}/resolve.
func (h *Handler) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")
	rec, err := h.deadLetters.Resolve(r.Context(), id)
	h.record(r, audit.ActionDeadLetterResolve, audit.TargetDeadLetter, id, err, nil)
	if err != nil {
		h.deadLetterError(rw, err)
		return
	}
	rw.Success(rec)
}

// PurgeDeadLetters handles DELETE /api/v1/deadletter/resolved?older_than=72h.
func (h *Handler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	retention, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if err != nil || retention < 0 {
		rw.BadRequest("older_than must be a non-negative duration, e.g. 72h")
		return
	}
	n, err := h.deadLetters.Purge(r.Context(), retention)
	h.record(r, audit.ActionDeadLetterPurge, audit.TargetDeadLetter, "", err, map[string]any{
		"older_than": retention.String(),
		"purged":     n,
	})
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(PurgeResponse{Purged: n})
}

func (h *Handler) deadLetterError(rw *ResponseWriter, err error) {
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		rw.NotFound("dead-letter record not found")
	case errors.Is(err, deadletter.ErrNotReplayable):
		rw.Conflict(err.Error())
	case errors.Is(err, transport.ErrClosed):
		rw.ServiceUnavailable("transport closed", nil)
	default:
		rw.DatabaseError(err)
	}
}

func validationDetails(err error) any {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return err.Error()
}
