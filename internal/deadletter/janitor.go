// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"context"
	"time"

	"github.com/tomtom215/ingestd/internal/logging"
)

// Janitor periodically purges old resolved records and refreshes the
// per-status gauges. It runs as a supervised service.
type Janitor struct {
	manager   *Manager
	retention time.Duration
	interval  time.Duration
}

// NewJanitor returns a janitor. Non-positive values fall back to 7 days
// of retention swept every 10 minutes.
func NewJanitor(m *Manager, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{manager: m, retention: retention, interval: interval}
}

// Serve implements suture.Service.
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.manager.Purge(ctx, j.retention)
	if err != nil {
		logging.Warn().Err(err).Msg("Dead-letter purge failed")
	} else if n > 0 {
		logging.Info().Int64("purged", n).Dur("retention", j.retention).Msg("Purged resolved dead-letter records")
	}
	if err := j.manager.RefreshMetrics(ctx); err != nil {
		logging.Warn().Err(err).Msg("Dead-letter metrics refresh failed")
	}
}

// String names the service in supervisor logs.
func (j *Janitor) String() string {
	return "deadletter-janitor"
}
