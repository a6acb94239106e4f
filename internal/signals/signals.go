// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package signals carries operational signals (forced historical mode, empty
// ticks, dead-letter transitions, replays) from the pipeline to operators.
//
// Producers call Emitter.Emit. The Bus publishes each signal on a watermill
// topic; a router handler journals it to DuckDB and fans it out to websocket
// clients.
package signals

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/ingestd/internal/models"
)

// Emitter accepts operational signals. Emit never fails the caller;
// delivery problems are logged by the implementation.
type Emitter interface {
	Emit(ctx context.Context, sig models.Signal)
}

// New builds a signal with a fresh ID stamped at now.
func New(kind, severity, message string, now time.Time) models.Signal {
	return models.Signal{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Message:  message,
		At:       now.UTC(),
	}
}

// Nop discards every signal.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, models.Signal) {}

// Recorder keeps emitted signals in memory.
type Recorder struct {
	mu      sync.Mutex
	signals []models.Signal
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, sig models.Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
}

// Signals returns a copy of everything recorded so far.
func (r *Recorder) Signals() []models.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// Kinds returns the recorded signal kinds in emission order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.signals))
	for i, s := range r.signals {
		out[i] = s.Kind
	}
	return out
}
