// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/ingestd/internal/audit"
	"github.com/tomtom215/ingestd/internal/database"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/scheduler"
)

// RegisterSourceRequest is the body of POST /api/v1/sources.
type RegisterSourceRequest struct {
	ID       string `json:"id" validate:"required,max=256"`
	Title    string `json:"title" validate:"max=512"`
	Username string `json:"username" validate:"max=256"`
	// IsActive defaults to true.
	IsActive *bool `json:"is_active"`
}

// TickResponse reports a manual tick.
type TickResponse struct {
	scheduler.Result
	Error string `json:"error,omitempty"`
}

// ListSources handles GET /api/v1/sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	states, err := h.scheduler.States(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if states == nil {
		states = []models.SourceState{}
	}
	rw.SuccessWithPagination(states, &PaginationMeta{Count: len(states)})
}

// RegisterSource handles POST /api/v1/sources. Re-registering an existing
// ID updates its descriptive fields and keeps its scheduling state.
func (h *Handler) RegisterSource(w http.ResponseWriter, r *http.Request) {
	var req RegisterSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	src := &models.Source{
		ID:       req.ID,
		Title:    req.Title,
		Username: req.Username,
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	rw := NewResponseWriter(w, r)
	err := h.sources.UpsertSource(r.Context(), src)
	h.record(r, audit.ActionSourceRegister, audit.TargetSource, src.ID, err, map[string]any{"is_active": src.IsActive})
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Created(src)
}

// TickSource handles POST /api/v1/sources/{id}/tick. A tick that runs but
// fails is still a 200; its outcome and error are in the body.
func (h *Handler) TickSource(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")
	res, err := h.scheduler.TickSource(r.Context(), id)
	h.record(r, audit.ActionSourceTick, audit.TargetSource, id, err, res)
	if errors.Is(err, database.ErrNotFound) {
		rw.NotFound("source not found")
		return
	}
	resp := TickResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
	}
	rw.Success(resp)
}
