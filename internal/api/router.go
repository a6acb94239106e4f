// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/ingestd/internal/auth"
	"github.com/tomtom215/ingestd/internal/authz"
	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/middleware"
	"github.com/tomtom215/ingestd/internal/websocket"
)

// Deps wires the API to the running pipeline. Auth and Authz may be nil
// in tests, which leaves the API open. A nil Audit disables the trail.
type Deps struct {
	Server       config.ServerConfig
	DeadLetters  DeadLetters
	Scheduler    Scheduler
	Sources      SourceRegistry
	Lag          LagReporter
	Signals      SignalJournal
	Audit        AuditTrail
	Hub          *websocket.Hub
	HealthChecks []HealthCheck
	Auth         *auth.Middleware
	Authz        *authz.Enforcer
}

// NewRouter builds the chi router.
//
//	/metrics                                  Prometheus
//	/api/v1/health/{live,ready}               unauthenticated health checks
//	/api/v1/deadletter...                     dead-letter inspection and replay
//	/api/v1/sources...                        registration, state, manual tick
//	/api/v1/stages/lag                        consumer group lag
//	/api/v1/signals, /api/v1/signals/ws       signal journal and live stream
//	/api/v1/audit                             operator action trail
func NewRouter(d Deps) http.Handler {
	h := NewHandler(d)
	mw := ChiMiddlewareConfigFrom(d.Server)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog)
	r.Use(middleware.PrometheusMetrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health/live", h.HealthLive)
		r.Get("/health/ready", h.HealthReady)

		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit())
			if d.Auth != nil {
				r.Use(d.Auth.Authenticate)
			}
			if d.Authz != nil {
				r.Use(d.Authz.Authorize)
			}

			if d.Hub != nil {
				r.Get("/signals/ws", websocket.Handler(d.Hub, websocket.Upgrader(d.Server.CORSOrigins)))
			}

			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Compress(5, "application/json"))

				r.Route("/deadletter", func(r chi.Router) {
					r.Get("/", h.ListDeadLetters)
					r.Get("/counts", h.DeadLetterCounts)
					r.Delete("/resolved", h.PurgeDeadLetters)
					r.Get("/{id}", h.GetDeadLetter)
					r.Post("/{id}/replay", h.ReplayDeadLetter)
					r.Post("/{id}/resolve", h.ResolveDeadLetter)
				})
				r.Route("/sources", func(r chi.Router) {
					r.Get("/", h.ListSources)
					r.Post("/", h.RegisterSource)
					r.Post("/{id}/tick", h.TickSource)
				})
				r.Get("/stages/lag", h.StageLag)
				r.Get("/signals", h.ListSignals)
				r.Get("/audit", h.ListAuditEvents)
			})
		})
	})
	return r
}

// NewServer returns the HTTP server for the router.
func NewServer(sc config.ServerConfig, handler http.Handler) *http.Server {
	readTimeout := sc.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port)),
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}
