// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package source fetches content units from external content origins.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/ingestd/internal/models"
)

// Connector fetches the content units of one source posted within [since, until].
// Units are returned in increasing Seq order.
type Connector interface {
	Fetch(ctx context.Context, src models.Source, since, until time.Time) ([]models.ContentUnit, error)
}

// ErrSourceUnavailable marks connectivity and upstream failures.
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrSourceNotFound is returned when the origin does not know the source.
var ErrSourceNotFound = errors.New("source not found")

// RateLimitedError asks the caller to wait RetryAfter before the next fetch
// of this source.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps a RateLimitedError.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Func adapts a function to Connector.
type Func func(ctx context.Context, src models.Source, since, until time.Time) ([]models.ContentUnit, error)

// Fetch implements Connector.
func (f Func) Fetch(ctx context.Context, src models.Source, since, until time.Time) ([]models.ContentUnit, error) {
	return f(ctx, src, since, until)
}
