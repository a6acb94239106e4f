// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Group is a (topic, stage) pair whose lag is reported.
type Group struct {
	Stage string
	Topic string
}

// LagReporter publishes per-stage consumer lag.
type LagReporter struct {
	log      transport.Log
	groups   []Group
	interval time.Duration
}

// NewLagReporter returns a reporter over groups.
func NewLagReporter(log transport.Log, interval time.Duration, groups ...Group) *LagReporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	sorted := append([]Group(nil), groups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Stage < sorted[j].Stage })
	return &LagReporter{log: log, groups: sorted, interval: interval}
}

// Snapshot returns the lag of every group and updates the gauges.
func (l *LagReporter) Snapshot(ctx context.Context) ([]transport.GroupLag, error) {
	out := make([]transport.GroupLag, 0, len(l.groups))
	for _, g := range l.groups {
		lag, err := l.log.Lag(ctx, g.Topic, g.Stage)
		if errors.Is(err, transport.ErrGroupNotFound) {
			lag, err = transport.GroupLag{Topic: g.Topic, Group: g.Stage}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lag of %s: %w", g.Stage, err)
		}
		metrics.SetConsumerLag(g.Stage, lag.Total())
		out = append(out, lag)
	}
	return out, nil
}

// Serve refreshes the gauges every interval. It implements suture.Service.
func (l *LagReporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if _, err := l.Snapshot(ctx); err != nil && ctx.Err() == nil {
			logging.Debug().Err(err).Msg("Lag snapshot failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String names the service in supervisor logs.
func (l *LagReporter) String() string {
	return "lag-reporter"
}
