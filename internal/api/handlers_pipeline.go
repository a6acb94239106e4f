// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"net/http"

	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
	"github.com/tomtom215/ingestd/internal/validation"
)

// StageLag is one consumer group's lag.
type StageLag struct {
	transport.GroupLag
	Total uint64 `json:"total"`
}

type signalQuery struct {
	Kind  string `validate:"max=64"`
	Limit int    `validate:"gte=1,lte=1000"`
}

// StageLag handles GET /api/v1/stages/lag.
func (h *Handler) StageLag(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	lags, err := h.lag.Snapshot(r.Context())
	if err != nil {
		rw.ServiceUnavailable("lag unavailable", err.Error())
		return
	}
	out := make([]StageLag, len(lags))
	for i, l := range lags {
		out[i] = StageLag{GroupLag: l, Total: l.Total()}
	}
	rw.Success(out)
}

// ListSignals handles GET /api/v1/signals?kind=&limit=.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, err := parseLimit(r)
	if err != nil {
		rw.BadRequest("limit must be an integer")
		return
	}
	q := signalQuery{Kind: r.URL.Query().Get("kind"), Limit: limit}
	if err := validation.ValidateStruct(&q); err != nil {
		rw.ValidationError("invalid query", validationDetails(err))
		return
	}
	sigs, err := h.signals.ListSignals(r.Context(), q.Kind, q.Limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if sigs == nil {
		sigs = []models.Signal{}
	}
	rw.SuccessWithPagination(sigs, &PaginationMeta{Count: len(sigs), Limit: q.Limit, HasMore: len(sigs) == q.Limit})
}
