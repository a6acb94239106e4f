// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/signals"
	"github.com/tomtom215/ingestd/internal/transport"
)

// ErrNotReplayable is returned when replaying a record that is not dead.
var ErrNotReplayable = errors.New("deadletter: only dead records can be replayed")

// Appender is the slice of the log transport a replay needs.
type Appender interface {
	Append(ctx context.Context, topic string, env models.Envelope, opts ...transport.AppendOption) (transport.Offset, error)
}

// Failure describes one failed processing attempt.
type Failure struct {
	Stage    string
	Topic    string
	Envelope models.Envelope
	Err      error

	// Raw is set instead of Envelope for entries that could not be decoded.
	// The record keeps the bytes base64 encoded and cannot be replayed.
	Raw []byte
}

// Manager applies the retry policy and owns the record lifecycle.
type Manager struct {
	store   Store
	policy  *Policy
	log     Appender
	emitter signals.Emitter
	now     func() time.Time
}

// NewManager wires a manager. A nil emitter discards signals.
func NewManager(store Store, policy *Policy, log Appender, emitter signals.Emitter) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if emitter == nil {
		emitter = signals.Nop{}
	}
	return &Manager{store: store, policy: policy, log: log, emitter: emitter, now: time.Now}
}

// Policy returns the active retry policy.
func (m *Manager) Policy() *Policy {
	return m.policy
}

// RecordFailure classifies f.Err and upserts the record for the entity.
// Transient failures are scheduled for retry until the attempt budget is
// spent; terminal failures and exhausted budgets become dead.
func (m *Manager) RecordFailure(ctx context.Context, f Failure) (*Record, error) {
	now := m.now().UTC()
	class, code := Classify(f.Err)
	env := f.Envelope
	fields := env.Fields()
	if f.Raw != nil {
		env = models.Envelope{IdempotencyKey: idempotency.MalformedKey(f.Raw)}
		fields = map[string]string{FieldRaw: base64.StdEncoding.EncodeToString(f.Raw)}
	}

	rec, err := m.store.FindByEntity(ctx, f.Stage, env.IdempotencyKey, env.EventType)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &Record{ID: uuid.NewString(), FirstSeenAt: now}
	case err != nil:
		return nil, fmt.Errorf("find record: %w", err)
	case rec.Status == StatusResolved:
		// A resolved entity failing again starts a new lifecycle.
		rec.RetryCount = 0
		rec.FirstSeenAt = now
		rec.ResolvedAt = nil
	}

	payload, err := marshalFields(fields)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	rec.EntityType = f.Stage
	rec.EntityID = env.IdempotencyKey
	rec.EventType = env.EventType
	rec.Topic = f.Topic
	rec.Stage = f.Stage
	rec.IdempotencyKey = env.IdempotencyKey
	rec.Payload = payload
	rec.ErrorCode = code
	rec.ErrorMessage = errorMessage(f.Err)
	rec.MaxAttempts = m.policy.MaxAttempts
	rec.LastAttemptAt = now
	rec.RetryCount++

	logger := logging.Ctx(ctx).With().
		Str("stage", f.Stage).
		Str("idempotency_key", env.IdempotencyKey).
		Str("event_type", env.EventType).
		Str("error_code", code).
		Int("retry_count", rec.RetryCount).
		Logger()

	dead := class == ClassTerminal || m.policy.Exhausted(rec.RetryCount)
	if dead {
		rec.Status = StatusDead
		rec.NextRetryAt = nil
	} else {
		next := now.Add(m.policy.Backoff(rec.RetryCount))
		rec.NextRetryAt = &next
		rec.Status = StatusPending
		if rec.RetryCount > 1 {
			rec.Status = StatusRetrying
		}
	}

	if err := m.store.InsertOrUpdate(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("Failed to store dead-letter record")
		return nil, err
	}

	if dead {
		metrics.RecordDeadLettered(f.Stage, code)
		logger.Error().Err(f.Err).Str("class", class.String()).Str("record_id", rec.ID).Msg("Unit of work moved to dead-letter")

		sig := signals.New(models.SignalDeadLettered, models.SeverityError, rec.ErrorMessage, now)
		sig.Stage = f.Stage
		sig.Attributes = map[string]string{
			"record_id":       rec.ID,
			"idempotency_key": env.IdempotencyKey,
			"error_code":      code,
			"class":           class.String(),
		}
		m.emitter.Emit(ctx, sig)
	} else {
		metrics.RecordRetry(f.Stage, code)
		logger.Warn().Err(f.Err).Time("next_retry_at", *rec.NextRetryAt).Msg("Processing failed, retry scheduled")
	}
	return rec, nil
}

// RecordSuccess resolves an open, non-dead record for the entity after a
// retry succeeds. It is a no-op when the entity never failed.
func (m *Manager) RecordSuccess(ctx context.Context, stage string, env models.Envelope) error {
	rec, err := m.store.FindByEntity(ctx, stage, env.IdempotencyKey, env.EventType)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != StatusPending && rec.Status != StatusRetrying {
		return nil
	}
	return m.store.Resolve(ctx, rec.ID, m.now())
}

// Replay re-emits a dead record's envelope with its original idempotency
// key and a fresh emission time, then marks the record resolved. The
// transport dedup ID is derived from the record and replay time so the
// append is not dropped as a duplicate of the original.
func (m *Manager) Replay(ctx context.Context, id string) (*Record, transport.Offset, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if rec.Status != StatusDead {
		return rec, 0, fmt.Errorf("%w: record %s is %s", ErrNotReplayable, id, rec.Status)
	}
	env, err := rec.Envelope()
	if err != nil {
		return rec, 0, Terminal(CodeMalformed, fmt.Errorf("decode stored envelope: %w", err))
	}

	now := m.now().UTC()
	env.EmittedAt = now
	off, err := m.log.Append(ctx, rec.Topic, env, transport.WithDedupID(idempotency.ReplayDedupID(rec.ID, now)))
	metrics.RecordReplay(err)
	if err != nil {
		return rec, 0, fmt.Errorf("re-append %s: %w", rec.Topic, err)
	}

	if err := m.store.Resolve(ctx, rec.ID, now); err != nil {
		return rec, off, fmt.Errorf("resolve after replay: %w", err)
	}
	rec.Status = StatusResolved
	rec.ResolvedAt = &now
	rec.NextRetryAt = nil

	logging.Info().
		Str("record_id", rec.ID).
		Str("stage", rec.Stage).
		Str("idempotency_key", rec.IdempotencyKey).
		Uint64("offset", uint64(off)).
		Msg("Dead-letter record replayed")

	sig := signals.New(models.SignalReplayed, models.SeverityInfo, "dead-letter record replayed", now)
	sig.Stage = rec.Stage
	sig.Attributes = map[string]string{"record_id": rec.ID, "idempotency_key": rec.IdempotencyKey, "topic": rec.Topic}
	m.emitter.Emit(ctx, sig)
	return rec, off, nil
}

// Resolve marks a record resolved without replaying it.
func (m *Manager) Resolve(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusResolved {
		return rec, nil
	}
	now := m.now().UTC()
	if err := m.store.Resolve(ctx, id, now); err != nil {
		return nil, err
	}
	rec.Status = StatusResolved
	rec.ResolvedAt = &now
	rec.NextRetryAt = nil
	logging.Info().Str("record_id", id).Str("stage", rec.Stage).Msg("Dead-letter record resolved by operator")
	return rec, nil
}

// Get returns one record.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List returns records matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]Record, error) {
	return m.store.List(ctx, f)
}

// Counts returns record counts per status, including zero counts.
func (m *Manager) Counts(ctx context.Context) (map[Status]int64, error) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

// RefreshMetrics publishes the per-status gauges.
func (m *Manager) RefreshMetrics(ctx context.Context) error {
	counts, err := m.Counts(ctx)
	if err != nil {
		return err
	}
	gauge := make(map[string]int64, len(counts))
	for s, n := range counts {
		gauge[string(s)] = n
	}
	metrics.SetDeadLetterCounts(gauge)
	return nil
}

// Purge deletes resolved records older than retention.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return m.store.PurgeResolved(ctx, m.now().Add(-retention))
}

// FieldRaw is the payload field holding the base64 bytes of an undecodable entry.
const FieldRaw = "raw_base64"

// maxErrorMessage bounds a stored error message in bytes.
const maxErrorMessage = 4096

// errorMessage truncates on a rune boundary so the stored message stays
// valid UTF-8.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
