// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// readinessTimeout bounds all readiness checks together.
const readinessTimeout = 3 * time.Second

// HealthLive handles GET /api/v1/health/live. It reports the process is
// up regardless of dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]any{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady handles GET /api/v1/health/ready. Every dependency check
// runs concurrently; any failure makes the service not ready.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		ready = true
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			if err := c.Check(ctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			results[c.Name] = status
			if status != "ok" {
				ready = false
			}
		}()
	}
	wg.Wait()

	rw := NewResponseWriter(w, r)
	if !ready {
		rw.ServiceUnavailable("not ready", results)
		return
	}
	rw.Success(map[string]any{
		"ready":  true,
		"checks": results,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}
