// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ingestd/internal/models"
)

var (
	since = time.Date(2024, 12, 31, 23, 55, 0, 0, time.UTC)
	until = time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
)

func newConnector(t *testing.T, h http.HandlerFunc) *HTTPConnector {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPConnector(HTTPConfig{BaseURL: srv.URL, Token: "tok", Timeout: 5 * time.Second, PageSize: 2, BreakerFailures: 100})
	if err != nil {
		t.Fatalf("NewHTTPConnector() error = %v", err)
	}
	return c
}

func TestNewHTTPConnector_InvalidURL(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := NewHTTPConnector(HTTPConfig{BaseURL: raw}); err == nil {
			t.Errorf("NewHTTPConnector(%q) error = nil", raw)
		}
	}
}

func TestHTTPConnector_FetchPaginatesAndSorts(t *testing.T) {
	t.Parallel()

	c := newConnector(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sources/S1/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("since"); got != "2024-12-31T23:55:00Z" {
			t.Errorf("since = %q", got)
		}
		page := messagesPage{}
		switch r.URL.Query().Get("after_seq") {
		case "":
			page.Units = []models.ContentUnit{
				{Seq: 11, Text: "b", PostedAt: since.Add(time.Minute)},
				{Seq: 10, Text: "a", PostedAt: since.Add(time.Minute)},
			}
			page.HasMore = true
			page.NextAfterSeq = 11
		case "11":
			page.Units = []models.ContentUnit{{Seq: 12, Text: "c", PostedAt: since.Add(2 * time.Minute)}}
		default:
			t.Errorf("unexpected after_seq %q", r.URL.Query().Get("after_seq"))
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	units, err := c.Fetch(context.Background(), models.Source{ID: "S1"}, since, until)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("Fetch() = %d units, want 3", len(units))
	}
	for i, want := range []int64{10, 11, 12} {
		if units[i].Seq != want {
			t.Errorf("units[%d].Seq = %d, want %d", i, units[i].Seq, want)
		}
		if units[i].SourceID != "S1" {
			t.Errorf("units[%d].SourceID = %q, want S1", i, units[i].SourceID)
		}
	}
}

func TestHTTPConnector_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		header map[string]string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "30"},
			check: func(t *testing.T, err error) {
				rl, ok := AsRateLimited(err)
				if !ok {
					t.Fatalf("error = %v, want RateLimitedError", err)
				}
				if rl.RetryAfter != 30*time.Second {
					t.Errorf("RetryAfter = %v, want 30s", rl.RetryAfter)
				}
			},
		},
		{
			name:   "unavailable",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrSourceUnavailable) {
					t.Errorf("error = %v, want ErrSourceUnavailable", err)
				}
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrSourceNotFound) {
					t.Errorf("error = %v, want ErrSourceNotFound", err)
				}
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				if err == nil || errors.Is(err, ErrSourceUnavailable) {
					t.Errorf("error = %v, want plain error", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newConnector(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			})
			_, err := c.Fetch(context.Background(), models.Source{ID: "S1"}, since, until)
			tt.check(t, err)
		})
	}
}

func TestHTTPConnector_BreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPConnector(HTTPConfig{BaseURL: srv.URL, BreakerFailures: 2, BreakerTimeout: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		_, err := c.Fetch(context.Background(), models.Source{ID: "S1"}, since, until)
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Fatalf("call %d error = %v, want ErrSourceUnavailable", i, err)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("gateway saw %d calls, want 2 before the breaker opened", n)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Second},
		{"5", 5 * time.Second},
		{"-1", time.Second},
		{"garbage", time.Second},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		t.Run(strconv.Quote(tt.in), func(t *testing.T) {
			if got := parseRetryAfter(tt.in, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
