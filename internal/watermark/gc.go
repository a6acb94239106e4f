// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package watermark

import (
	"context"
	"time"

	"github.com/tomtom215/ingestd/internal/logging"
)

// Collector is the value-log GC of a store.
type Collector interface {
	RunGC() error
}

// GCService runs value-log GC on an interval. It implements suture.Service.
type GCService struct {
	store    Collector
	interval time.Duration
}

// NewGCService returns a GC loop. A non-positive interval means 10 minutes.
func NewGCService(store Collector, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GCService{store: store, interval: interval}
}

// Serve implements suture.Service.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Watermark GC failed")
			}
		}
	}
}

func (g *GCService) String() string {
	return "watermark-gc"
}
