// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package audit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/ingestd/internal/auth"
	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
)

// Config tunes the Logger.
type Config struct {
	// Retention is how long events are kept. Zero keeps them forever.
	Retention       time.Duration
	CleanupInterval time.Duration

	// BufferSize bounds events waiting to be written.
	BufferSize int

	// LogToStdout also writes every event to the application log.
	LogToStdout bool
}

// ConfigFrom maps the audit config section.
func ConfigFrom(ac config.AuditConfig) Config {
	return Config{
		Retention:       ac.Retention,
		CleanupInterval: ac.CleanupInterval,
		BufferSize:      ac.BufferSize,
		LogToStdout:     ac.LogToStdout,
	}
}

// Logger buffers events and writes them to a Store. It implements
// suture.Service; events logged while it is not serving wait in the buffer.
type Logger struct {
	cfg    Config
	store  Store
	events chan *Event
	now    func() time.Time
}

// NewLogger returns a logger over store.
func NewLogger(store Store, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	return &Logger{
		cfg:    cfg,
		store:  store,
		events: make(chan *Event, cfg.BufferSize),
		now:    time.Now,
	}
}

// Log queues e, filling in its ID and timestamp. It never blocks: when
// the buffer is full the event is dropped and counted.
func (l *Logger) Log(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	select {
	case l.events <- e:
	default:
		metrics.RecordAuditEvent(string(e.Action), string(e.Outcome), errBufferFull)
		logging.Warn().Str("event_id", e.ID).Str("action", string(e.Action)).Msg("Audit buffer full, dropping event")
	}
}

var errBufferFull = errors.New("audit buffer full")

// Serve writes queued events until ctx ends, then drains the buffer. It
// also purges expired events every CleanupInterval.
func (l *Logger) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		case e := <-l.events:
			l.write(e)
		case <-ticker.C:
			l.cleanup(ctx)
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case e := <-l.events:
			l.write(e)
		default:
			return
		}
	}
}

func (l *Logger) write(e *Event) {
	if l.cfg.LogToStdout {
		if data, err := json.Marshal(e); err == nil {
			logging.Info().RawJSON("event", data).Msg("Audit event")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.store.Save(ctx, e)
	metrics.RecordAuditEvent(string(e.Action), string(e.Outcome), err)
	if err != nil {
		logging.Error().Err(err).Str("event_id", e.ID).Msg("Failed to save audit event")
	}
}

func (l *Logger) cleanup(ctx context.Context) {
	if l.cfg.Retention <= 0 {
		return
	}
	n, err := l.store.Delete(ctx, l.now().Add(-l.cfg.Retention))
	if err != nil {
		logging.Warn().Err(err).Msg("Audit cleanup failed")
	} else if n > 0 {
		logging.Info().Int64("count", n).Msg("Cleaned up old audit events")
	}
}

// Query returns stored events matching f, newest first.
func (l *Logger) Query(ctx context.Context, f QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, f)
}

// String names the service in supervisor logs.
func (l *Logger) String() string {
	return "audit-logger"
}

// FromRequest builds an event for an action taken through r. The actor
// comes from the authenticated claims, the source from the connection.
// A non-nil err marks the event as failed.
func FromRequest(r *http.Request, action Action, targetType, targetID string, err error) *Event {
	e := &Event{
		Action:     action,
		Outcome:    OutcomeSuccess,
		ActorID:    "anonymous",
		TargetType: targetType,
		TargetID:   targetID,
		SourceIP:   clientIP(r.RemoteAddr),
		UserAgent:  r.UserAgent(),
		RequestID:  logging.RequestIDFromContext(r.Context()),
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		if claims.Subject != "" {
			e.ActorID = claims.Subject
		}
		e.ActorRole = claims.Role
	}
	if err != nil {
		e.Outcome = OutcomeFailure
		e.Error = err.Error()
	}
	return e
}

// WithMetadata attaches v as JSON metadata. Unencodable values are ignored.
func (e *Event) WithMetadata(v any) *Event {
	if data, err := json.Marshal(v); err == nil {
		e.Metadata = data
	}
	return e
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
