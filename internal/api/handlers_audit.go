// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/ingestd/internal/audit"
	"github.com/tomtom215/ingestd/internal/validation"
)

type auditQuery struct {
	Action     string `validate:"omitempty,oneof=deadletter.replay deadletter.resolve deadletter.purge source.register source.tick"`
	Outcome    string `validate:"omitempty,oneof=success failure"`
	ActorID    string `validate:"max=256"`
	TargetType string `validate:"omitempty,oneof=deadletter source"`
	TargetID   string `validate:"max=256"`
	Limit      int    `validate:"gte=1,lte=1000"`
}

// ListAuditEvents handles GET /api/v1/audit. Filters: action, outcome,
// actor, target_type, target_id, since (RFC 3339) and limit.
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.audit == nil {
		rw.ServiceUnavailable("audit trail disabled", nil)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		rw.BadRequest("limit must be an integer")
		return
	}
	qp := r.URL.Query()
	q := auditQuery{
		Action:     qp.Get("action"),
		Outcome:    qp.Get("outcome"),
		ActorID:    qp.Get("actor"),
		TargetType: qp.Get("target_type"),
		TargetID:   qp.Get("target_id"),
		Limit:      limit,
	}
	if err := validation.ValidateStruct(&q); err != nil {
		rw.ValidationError("invalid query", validationDetails(err))
		return
	}
	f := audit.QueryFilter{
		Action:     audit.Action(q.Action),
		Outcome:    audit.Outcome(q.Outcome),
		ActorID:    q.ActorID,
		TargetType: q.TargetType,
		TargetID:   q.TargetID,
		Limit:      q.Limit,
	}
	if v := qp.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			rw.BadRequest("since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}

	events, err := h.audit.Query(r.Context(), f)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	rw.SuccessWithPagination(events, &PaginationMeta{Count: len(events), Limit: q.Limit, HasMore: len(events) == q.Limit})
}
