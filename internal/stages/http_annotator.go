// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ingestd/internal/breaker"
	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/models"
)

// HTTPAnnotatorConfig configures HTTPAnnotator.
type HTTPAnnotatorConfig struct {
	Name    string
	URL     string
	Model   string
	Params  map[string]string
	Timeout time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPAnnotator calls an external analysis service:
//
//	POST {url} {"model": ..., "params": {...}, "unit": {...}}
//	200 {"labels": [...], "attributes": {...}}
//
// 5xx, 429 and transport errors are transient. Any other 4xx means the
// service rejected the content and is terminal. A circuit breaker fails
// fast while the service is down; those rejections are transient too.
type HTTPAnnotator struct {
	url    string
	model  string
	params map[string]string
	client *http.Client
	cb     *breaker.Breaker
}

type annotateRequest struct {
	Model  string             `json:"model"`
	Params map[string]string  `json:"params,omitempty"`
	Unit   models.ContentUnit `json:"unit"`
}

// errRejected marks a 4xx answer, which says nothing about service health.
var errRejected = errors.New("annotator rejected content")

// NewHTTPAnnotator validates cfg and builds the annotator.
func NewHTTPAnnotator(cfg HTTPAnnotatorConfig) (*HTTPAnnotator, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid annotator URL %q", cfg.URL)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("annotator %s: model is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &HTTPAnnotator{
		url:    u.String(),
		model:  cfg.Model,
		params: cfg.Params,
		client: &http.Client{Timeout: cfg.Timeout},
		cb: breaker.New(breaker.Config{
			Name:                "annotator-" + cfg.Name,
			MaxRequests:         1,
			Timeout:             cfg.BreakerTimeout,
			ConsecutiveFailures: cfg.BreakerFailures,
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errRejected)
			},
		}),
	}, nil
}

// Model implements Annotator.
func (h *HTTPAnnotator) Model() string { return h.model }

// Params implements Annotator.
func (h *HTTPAnnotator) Params() map[string]string { return h.params }

// Annotate implements Annotator.
func (h *HTTPAnnotator) Annotate(ctx context.Context, unit models.ContentUnit) (Annotation, error) {
	body, err := json.Marshal(annotateRequest{Model: h.model, Params: h.params, Unit: unit})
	if err != nil {
		return Annotation{}, deadletter.Terminal(deadletter.CodeMalformed, err)
	}

	res, err := h.cb.Execute(func() (any, error) {
		return h.do(ctx, body)
	})
	switch {
	case err == nil:
		return res.(Annotation), nil
	case errors.Is(err, errRejected):
		return Annotation{}, deadletter.Terminal(deadletter.CodeValidation, err)
	case breaker.Rejected(err):
		return Annotation{}, deadletter.Transient(deadletter.CodeUnavailable, err)
	default:
		return Annotation{}, err
	}
}

func (h *HTTPAnnotator) do(ctx context.Context, body []byte) (Annotation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Annotation{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Annotation{}, deadletter.Transient(deadletter.CodeTimeout, ctx.Err())
		}
		return Annotation{}, deadletter.Transient(deadletter.CodeConnection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Annotation{}, deadletter.Transient(deadletter.CodeUnavailable,
			fmt.Errorf("annotator HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Annotation{}, fmt.Errorf("%w: HTTP %d: %s", errRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Annotation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Annotation{}, deadletter.Transient(deadletter.CodeMalformed, fmt.Errorf("decode annotator response: %w", err))
	}
	sort.Strings(out.Labels)
	return out, nil
}
