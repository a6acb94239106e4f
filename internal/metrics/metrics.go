// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package metrics defines the Prometheus instrumentation for ingestd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tick outcomes.
const (
	OutcomeOK               = "ok"
	OutcomeEmpty            = "empty"
	OutcomeForcedHistorical = "forced_historical"
	OutcomeRateLimited      = "rate_limited"
	OutcomeDeferred         = "deferred"
	OutcomeLeaseHeld        = "lease_held"
	OutcomeFailed           = "failed"
)

var (
	// Scheduler

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_scheduler_ticks_total",
			Help: "Scheduler ticks by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	SchedulerModeForced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_scheduler_mode_forced_total",
			Help: "Ticks forced into historical mode by the staleness safeguard",
		},
		[]string{"source", "reason"},
	)

	SchedulerUnitsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_scheduler_units_emitted_total",
			Help: "Content units emitted as envelopes",
		},
		[]string{"source"},
	)

	SchedulerTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_scheduler_tick_duration_seconds",
			Help:    "Duration of one source tick",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	SchedulerWindowSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_scheduler_window_seconds",
			Help:    "Width of fetch windows",
			Buckets: prometheus.ExponentialBuckets(60, 4, 8),
		},
		[]string{"mode"},
	)

	// Transport

	TransportAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_transport_appends_total",
			Help: "Log appends by topic and result",
		},
		[]string{"topic", "result"},
	)

	ConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_consumer_lag",
			Help: "Unacknowledged plus undelivered entries per stage",
		},
		[]string{"stage"},
	)

	// Consumer runtime

	ConsumerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_consumer_processed_total",
			Help: "Envelopes processed by stage and result",
		},
		[]string{"stage", "result"},
	)

	ConsumerProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_consumer_processing_duration_seconds",
			Help:    "Processing time per envelope",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Dead letter

	DeadLetterRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_deadletter_records",
			Help: "Dead-letter records by status",
		},
		[]string{"status"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Retries scheduled by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_deadlettered_total",
			Help: "Units moved to dead by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	Replays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_deadletter_replays_total",
			Help: "Operator replays by result",
		},
		[]string{"result"},
	)

	// Source connector

	SourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_source_requests_total",
			Help: "Source connector requests by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Storage

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB statements",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_duckdb_query_errors_total",
			Help: "DuckDB statement errors",
		},
		[]string{"operation", "table"},
	)

	// API

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_api_requests_total",
			Help: "Operational API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_api_request_duration_seconds",
			Help:    "Operational API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_api_active_requests",
			Help: "In-flight operational API requests",
		},
	)

	SignalsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_signals_published_total",
			Help: "Operational signals by kind",
		},
		[]string{"kind"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_websocket_clients",
			Help: "Connected signal stream clients",
		},
	)

	// Audit

	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_audit_events_total",
			Help: "Operator actions written to the audit trail",
		},
		[]string{"action", "outcome"},
	)

	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_audit_events_dropped_total",
			Help: "Audit events dropped because the buffer was full or the store failed",
		},
	)
)

// RecordTick records one scheduler tick.
func RecordTick(source, mode, outcome string, d time.Duration) {
	SchedulerTicks.WithLabelValues(source, outcome).Inc()
	if mode != "" {
		SchedulerTickDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// RecordModeForced records a staleness-forced historical tick.
func RecordModeForced(source, reason string) {
	SchedulerModeForced.WithLabelValues(source, reason).Inc()
}

// RecordWindow records the width of a fetch window.
func RecordWindow(mode string, width time.Duration) {
	SchedulerWindowSeconds.WithLabelValues(mode).Observe(width.Seconds())
}

// RecordEmitted adds n emitted units for source.
func RecordEmitted(source string, n int) {
	SchedulerUnitsEmitted.WithLabelValues(source).Add(float64(n))
}

// RecordAppend records a log append.
func RecordAppend(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TransportAppends.WithLabelValues(topic, result).Inc()
}

// RecordProcessed records one envelope handled by a stage.
func RecordProcessed(stage, result string, d time.Duration) {
	ConsumerProcessed.WithLabelValues(stage, result).Inc()
	ConsumerProcessingDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetConsumerLag sets the lag gauge of a stage.
func SetConsumerLag(stage string, lag uint64) {
	ConsumerLag.WithLabelValues(stage).Set(float64(lag))
}

// RecordRetry records a scheduled retry.
func RecordRetry(stage, reason string) {
	Retries.WithLabelValues(stage, reason).Inc()
}

// RecordDeadLettered records a transition to dead.
func RecordDeadLettered(stage, reason string) {
	DeadLettered.WithLabelValues(stage, reason).Inc()
}

// RecordReplay records an operator replay.
func RecordReplay(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Replays.WithLabelValues(result).Inc()
}

// SetDeadLetterCounts replaces the per-status gauges.
func SetDeadLetterCounts(counts map[string]int64) {
	for _, status := range []string{"pending", "retrying", "dead", "resolved"} {
		DeadLetterRecords.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// RecordSourceRequest records one source connector call.
func RecordSourceRequest(result string) {
	SourceRequests.WithLabelValues(result).Inc()
}

// RecordDBQuery records one DuckDB statement.
func RecordDBQuery(operation, table string, d time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(d.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records one API request.
func RecordAPIRequest(method, route, status string) {
	APIRequests.WithLabelValues(method, route, status).Inc()
}

// ObserveAPIRequest records one API request with its latency.
func ObserveAPIRequest(method, route, status string, d time.Duration) {
	RecordAPIRequest(method, route, status)
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}

// RecordSignal counts a published signal.
func RecordSignal(kind string) {
	SignalsPublished.WithLabelValues(kind).Inc()
}

// RecordAuditEvent counts a persisted audit event, or a dropped one when err is set.
func RecordAuditEvent(action, outcome string, err error) {
	if err != nil {
		AuditEventsDropped.Inc()
		return
	}
	AuditEvents.WithLabelValues(action, outcome).Inc()
}
