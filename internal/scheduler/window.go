// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package scheduler

import (
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// ReasonStale is the forced-historical reason when last_processed_at is too old.
const ReasonStale = "stale"

// Window is the fetch range of one tick.
type Window struct {
	Mode    string    `json:"mode"`
	Floor   time.Time `json:"floor"`
	Ceiling time.Time `json:"ceiling"`

	// Forced is set when staleness overrode incremental mode.
	Forced bool   `json:"forced,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Resumed is set when the floor came from a crash-recovery watermark.
	Resumed bool `json:"resumed,omitempty"`
}

// Width is Ceiling minus Floor.
func (w Window) Width() time.Duration {
	return w.Ceiling.Sub(w.Floor)
}

// Decide computes the window for a source at now. It is pure.
//
// Mode follows last_processed_at: none means historical [now-H, now];
// older than LPAMaxAge forces historical; otherwise incremental with floor
// min(lpa, now-I). A present watermark replaces the floor in every mode.
func Decide(now time.Time, lpa, watermark *time.Time, p Params) Window {
	now = now.UTC()
	w := Window{Ceiling: now}

	switch {
	case lpa == nil || lpa.IsZero():
		w.Mode = models.ModeHistorical
		w.Floor = now.Add(-p.HistoricalHorizon)
	case p.LPAMaxAge > 0 && now.Sub(*lpa) > p.LPAMaxAge:
		w.Mode = models.ModeHistorical
		w.Floor = now.Add(-p.HistoricalHorizon)
		w.Forced = true
		w.Reason = ReasonStale
	default:
		w.Mode = models.ModeIncremental
		w.Floor = lpa.UTC()
		if lookback := now.Add(-p.IncrementalLookback); lookback.Before(w.Floor) {
			w.Floor = lookback
		}
	}

	if watermark != nil && !watermark.IsZero() {
		w.Floor = watermark.UTC()
		w.Resumed = true
	}
	if w.Floor.After(w.Ceiling) {
		w.Floor = w.Ceiling
	}
	return w
}

// Params are the window constants.
type Params struct {
	// HistoricalHorizon is H.
	HistoricalHorizon time.Duration
	// IncrementalLookback is I.
	IncrementalLookback time.Duration
	// LPAMaxAge is the staleness bound on last_processed_at.
	LPAMaxAge time.Duration
}
