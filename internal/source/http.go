// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/ingestd/internal/breaker"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/validation"
)

// HTTPConfig configures HTTPConnector.
type HTTPConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	PageSize  int

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerFailures    uint32
}

// HTTPConnector reads content from a message gateway:
//
//	GET {base}/v1/sources/{id}/messages?since=&until=&after_seq=&limit=
//
// Requests are rate limited client side. A 429 becomes RateLimitedError
// and 5xx or transport errors become ErrSourceUnavailable. A circuit
// breaker stops hammering a gateway that keeps failing.
type HTTPConnector struct {
	base     *url.URL
	token    string
	pageSize int
	client   *http.Client
	limiter  *rate.Limiter
	cb       *breaker.Breaker
}

type messagesPage struct {
	Units        []models.ContentUnit `json:"units"`
	HasMore      bool                 `json:"has_more"`
	NextAfterSeq int64                `json:"next_after_seq"`
}

// NewHTTPConnector validates cfg and builds the connector.
func NewHTTPConnector(cfg HTTPConfig) (*HTTPConnector, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid source base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	return &HTTPConnector{
		base:     base,
		token:    cfg.Token,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.RateBurst),
		cb: breaker.New(breaker.Config{
			Name:                "source-gateway",
			MaxRequests:         cfg.BreakerMaxRequests,
			Interval:            cfg.BreakerInterval,
			Timeout:             cfg.BreakerTimeout,
			ConsecutiveFailures: cfg.BreakerFailures,
			// Rate limiting and unknown sources say nothing about gateway health.
			IsSuccessful: func(err error) bool {
				if err == nil || errors.Is(err, ErrSourceNotFound) {
					return true
				}
				_, limited := AsRateLimited(err)
				return limited
			},
		}),
	}, nil
}

// Fetch implements Connector, following pages until the window is exhausted.
func (c *HTTPConnector) Fetch(ctx context.Context, src models.Source, since, until time.Time) ([]models.ContentUnit, error) {
	var (
		units    []models.ContentUnit
		afterSeq int64 = -1
	)
	for {
		page, err := c.fetchPage(ctx, src.ID, since, until, afterSeq)
		if err != nil {
			return nil, err
		}
		for i := range page.Units {
			u := page.Units[i]
			if u.SourceID == "" {
				u.SourceID = src.ID
			}
			if err := validation.ValidateStruct(&u); err != nil {
				logging.Warn().Err(err).Str("source_id", src.ID).Int64("seq", u.Seq).Msg("Skipping invalid content unit")
				continue
			}
			units = append(units, u)
		}
		if !page.HasMore || page.NextAfterSeq <= afterSeq {
			break
		}
		afterSeq = page.NextAfterSeq
	}

	sort.SliceStable(units, func(i, j int) bool { return units[i].Seq < units[j].Seq })
	return units, nil
}

func (c *HTTPConnector) fetchPage(ctx context.Context, sourceID string, since, until time.Time, afterSeq int64) (*messagesPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *c.base
	u.Path = u.Path + "/v1/sources/" + url.PathEscape(sourceID) + "/messages"
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("until", until.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(c.pageSize))
	if afterSeq >= 0 {
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	u.RawQuery = q.Encode()

	res, err := c.cb.Execute(func() (any, error) {
		return c.do(ctx, u.String())
	})
	if err != nil {
		if breaker.Rejected(err) {
			metrics.RecordSourceRequest("breaker_open")
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, err
	}
	return res.(*messagesPage), nil
}

func (c *HTTPConnector) do(ctx context.Context, target string) (*messagesPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordSourceRequest("unavailable")
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.RecordSourceRequest("rate_limited")
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.RecordSourceRequest("not_found")
		return nil, ErrSourceNotFound
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordSourceRequest("unavailable")
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrSourceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordSourceRequest("error")
		return nil, fmt.Errorf("source gateway HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page messagesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		metrics.RecordSourceRequest("decode_error")
		return nil, fmt.Errorf("decode messages page: %w", err)
	}
	metrics.RecordSourceRequest("ok")
	return &page, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Missing or
// unparseable values fall back to one second.
func parseRetryAfter(v string, now time.Time) time.Duration {
	const fallback = time.Second
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
