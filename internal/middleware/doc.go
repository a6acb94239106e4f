// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

/*
Package middleware provides the HTTP middleware of the operational API.

Key Components:

  - RequestID: request tracking, populating request_id and correlation_id
    in the logging context
  - PrometheusMetrics: request count, latency and in-flight instrumentation,
    labeled by chi route pattern so path parameters do not explode cardinality
  - AccessLog: one structured zerolog line per request

Middleware Stack:

The router installs them in this order, outermost first:

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog)
	r.Use(middleware.PrometheusMetrics)
	r.Use(chimiddleware.Recoverer)

All middleware use the standard func(http.Handler) http.Handler shape so they
compose with chi.
*/
package middleware
