// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package scheduler decides, per source and tick, between a historical
// backfill and an incremental catch-up, fetches the window and emits every
// content unit onto the log.
//
// A tick for one source runs:
//
//	lease -> watermark(floor) -> fetch -> emit in seq order
//	      -> advance last_processed_at to ceiling -> clear watermark
//
// A crash between emit and advance leaves the watermark set; the next tick
// resumes from it. Emission is idempotent by content key, so any overlap is
// dropped by the transport and by downstream upserts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/ingestd/internal/config"
	"github.com/tomtom215/ingestd/internal/idempotency"
	"github.com/tomtom215/ingestd/internal/lease"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/signals"
	"github.com/tomtom215/ingestd/internal/source"
	"github.com/tomtom215/ingestd/internal/transport"
	"github.com/tomtom215/ingestd/internal/watermark"
)

// Tick outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
	OutcomeAborted     = "aborted"
	OutcomeDeferred    = "deferred"
	OutcomeLeaseHeld   = "lease_held"
)

// StateStore persists sources and their scheduler state.
type StateStore interface {
	ListSourceStates(ctx context.Context, activeOnly bool) ([]models.SourceState, error)
	GetSourceState(ctx context.Context, id string) (models.SourceState, error)
	SaveSourceState(ctx context.Context, st models.SourceState) error
}

// Appender is the slice of the log transport the scheduler writes to.
type Appender interface {
	Append(ctx context.Context, topic string, env models.Envelope, opts ...transport.AppendOption) (transport.Offset, error)
}

// Config tunes the scheduler.
type Config struct {
	Params

	TickInterval time.Duration
	Parallelism  int

	FailureBackoff    time.Duration
	FailureBackoffMax time.Duration

	// CheckpointEvery advances the watermark every N emitted units. Zero disables.
	CheckpointEvery int

	// LeaseRefresh is how often a running tick extends its source lease.
	// It must be well under the lease TTL. Zero disables the keep-alive.
	LeaseRefresh time.Duration

	Topic string
}

// ConfigFrom maps the scheduler, watermark and lease config sections. The
// lease is refreshed three times per TTL.
func ConfigFrom(sc config.SchedulerConfig, wc config.WatermarkConfig, lc config.LeaseConfig) Config {
	return Config{
		Params: Params{
			HistoricalHorizon:   sc.HistoricalHorizon,
			IncrementalLookback: sc.IncrementalLookback,
			LPAMaxAge:           sc.LPAMaxAge,
		},
		TickInterval:      sc.TickInterval,
		Parallelism:       sc.Parallelism,
		FailureBackoff:    sc.FailureBackoff,
		FailureBackoffMax: sc.FailureBackoffMax,
		CheckpointEvery:   wc.CheckpointEvery,
		LeaseRefresh:      lc.TTL / 3,
		Topic:             sc.Topic,
	}
}

// Result reports one source's tick.
type Result struct {
	SourceID string `json:"source_id"`
	Outcome  string `json:"outcome"`
	Window   Window `json:"window"`
	Emitted  int    `json:"emitted"`
	Err      error  `json:"-"`
}

// Scheduler runs ticks across all active sources.
type Scheduler struct {
	cfg        Config
	states     StateStore
	watermarks watermark.Store
	connector  source.Connector
	log        Appender
	locker     lease.Locker
	emitter    signals.Emitter
	now        func() time.Time

	// tickMu serializes Tick calls.
	tickMu sync.Mutex

	// running holds the IDs of sources with a tick in progress in this
	// process, whether started by Tick or TickSource.
	runMu   sync.Mutex
	running map[string]struct{}
}

// New wires a scheduler. A nil emitter discards signals.
func New(cfg Config, states StateStore, watermarks watermark.Store, connector source.Connector,
	log Appender, locker lease.Locker, emitter signals.Emitter) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Topic == "" {
		cfg.Topic = models.EventContentDiscovered
	}
	if emitter == nil {
		emitter = signals.Nop{}
	}
	return &Scheduler{
		cfg:        cfg,
		states:     states,
		watermarks: watermarks,
		connector:  connector,
		log:        log,
		locker:     locker,
		emitter:    emitter,
		now:        time.Now,
		running:    make(map[string]struct{}),
	}
}

// Serve runs a tick immediately and then every TickInterval until ctx ends.
// It implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.TickInterval).
		Int("parallelism", s.cfg.Parallelism).
		Str("topic", s.cfg.Topic).
		Msg("Scheduler started")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			logging.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "scheduler"
}

// Tick runs one tick over every active source with bounded parallelism.
// Per-source failures are reported in the results; the error is only set
// when the source list itself cannot be read.
func (s *Scheduler) Tick(ctx context.Context) ([]Result, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	states, err := s.states.ListSourceStates(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	results := make([]Result, len(states))
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for i := range states {
		g.Go(func() error {
			_, results[i] = s.RunSource(ctx, states[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// TickSource runs one tick for a single source by ID.
func (s *Scheduler) TickSource(ctx context.Context, id string) (Result, error) {
	st, err := s.states.GetSourceState(ctx, id)
	if err != nil {
		return Result{SourceID: id}, err
	}
	_, res := s.RunSource(ctx, st)
	return res, res.Err
}

// RunSource runs one tick for the given state and returns the updated state.
func (s *Scheduler) RunSource(ctx context.Context, st models.SourceState) (models.SourceState, Result) {
	start := time.Now()
	now := s.now().UTC()
	id := st.Source.ID
	res := Result{SourceID: id}

	ctx = logging.ContextWithSource(ctx, id)
	logger := logging.Ctx(ctx)

	if st.NextEligibleAt != nil && now.Before(*st.NextEligibleAt) {
		res.Outcome = OutcomeDeferred
		logger.Debug().Time("next_eligible_at", *st.NextEligibleAt).Msg("Source deferred")
		metrics.RecordTick(id, "", res.Outcome, time.Since(start))
		return st, res
	}

	if !s.claim(id) {
		res.Outcome = OutcomeLeaseHeld
		logger.Debug().Msg("Source tick already running, skipping")
		metrics.RecordTick(id, "", res.Outcome, time.Since(start))
		return st, res
	}
	defer s.unclaim(id)

	held, err := s.locker.Acquire(ctx, "source."+id)
	if errors.Is(err, lease.ErrHeld) {
		res.Outcome = OutcomeLeaseHeld
		logger.Debug().Msg("Source lease held elsewhere, skipping")
		metrics.RecordTick(id, "", res.Outcome, time.Since(start))
		return st, res
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeAborted, fmt.Errorf("acquire lease: %w", err)
		logger.Warn().Err(err).Msg("Lease unavailable, tick aborted")
		metrics.RecordTick(id, "", res.Outcome, time.Since(start))
		return st, res
	}
	defer func() {
		// The tick context may already be cancelled; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := held.Release(rctx); err != nil && !errors.Is(err, lease.ErrLost) {
			logger.Warn().Err(err).Msg("Failed to release source lease")
		}
	}()

	tickCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := s.keepAlive(tickCtx, held, cancel)
	st, res = s.runLeased(tickCtx, st, now)
	stop()
	metrics.RecordTick(id, res.Window.Mode, res.Outcome, time.Since(start))
	return st, res
}

func (s *Scheduler) claim(id string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

// keepAlive refreshes held every LeaseRefresh until the returned stop
// function is called. A lost lease cancels ctx with a cause wrapping
// lease.ErrLost. Transient refresh errors are retried on the next beat.
func (s *Scheduler) keepAlive(ctx context.Context, held lease.Lease, cancel context.CancelCauseFunc) (stop func()) {
	if s.cfg.LeaseRefresh <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.LeaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := held.Refresh(ctx)
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrLost):
				logging.Ctx(ctx).Warn().Msg("Source lease lost, cancelling tick")
				cancel(fmt.Errorf("refresh lease: %w", err))
				return
			case ctx.Err() == nil:
				logging.Ctx(ctx).Warn().Err(err).Msg("Failed to refresh source lease")
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// leaseLost returns the cancellation cause when the tick's lease was lost.
func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, lease.ErrLost) {
		return cause
	}
	return nil
}

func (s *Scheduler) runLeased(ctx context.Context, st models.SourceState, now time.Time) (models.SourceState, Result) {
	id := st.Source.ID
	res := Result{SourceID: id}
	logger := logging.Ctx(ctx)

	wmAt, hasWM, err := s.watermarks.Get(ctx, id)
	if err != nil {
		return s.abort(ctx, st, now, res, fmt.Errorf("read watermark: %w", err))
	}
	var wm *time.Time
	if hasWM {
		wm = &wmAt
	}

	w := Decide(now, st.Source.LastProcessedAt, wm, s.cfg.Params)
	res.Window = w
	metrics.RecordWindow(w.Mode, w.Width())

	if w.Forced {
		metrics.RecordModeForced(id, w.Reason)
		ev := logger.Warn().Str("reason", w.Reason).Time("floor", w.Floor)
		if st.Source.LastProcessedAt != nil {
			ev = ev.Time("last_processed_at", *st.Source.LastProcessedAt)
		}
		ev.Msg("Forced historical mode")
		sig := signals.New(models.SignalModeForced, models.SeverityWarning, "last_processed_at older than max age", now)
		sig.SourceID = id
		sig.Attributes = map[string]string{"reason": w.Reason, "floor": w.Floor.Format(time.RFC3339)}
		s.emitter.Emit(ctx, sig)
	}
	if w.Resumed {
		logger.Info().Time("watermark", w.Floor).Msg("Resuming from crash-recovery watermark")
	} else if err := s.watermarks.Set(ctx, id, w.Floor); err != nil {
		return s.abort(ctx, st, now, res, fmt.Errorf("set watermark: %w", err))
	}

	units, err := s.connector.Fetch(ctx, st.Source, w.Floor, w.Ceiling)
	if lost := leaseLost(ctx); lost != nil {
		return s.abort(ctx, st, now, res, lost)
	}
	if err != nil {
		return s.fetchFailed(ctx, st, now, res, err)
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].Seq < units[j].Seq })

	checkpoint := w.Floor
	for i := range units {
		u := &units[i]
		if u.SourceID == "" {
			u.SourceID = id
		}
		key := idempotency.ContentKey(u)
		env, err := models.NewEnvelope(models.EventContentDiscovered, key,
			models.ContentPayload{ContentKey: key, Unit: *u}, s.now())
		if err != nil {
			return s.abort(ctx, st, now, res, err)
		}
		if lost := leaseLost(ctx); lost != nil {
			return s.abort(ctx, st, now, res, lost)
		}
		if _, err := s.log.Append(ctx, s.cfg.Topic, env); err != nil {
			logging.Ctx(logging.ContextWithIdempotencyKey(ctx, key)).Warn().
				Err(err).Int64("seq", u.Seq).Msg("Append failed, tick aborted")
			return s.abort(ctx, st, now, res, fmt.Errorf("append seq %d: %w", u.Seq, err))
		}
		res.Emitted++

		if s.cfg.CheckpointEvery > 0 && res.Emitted%s.cfg.CheckpointEvery == 0 && u.PostedAt.After(checkpoint) {
			checkpoint = u.PostedAt.UTC()
			if err := s.watermarks.Set(ctx, id, checkpoint); err != nil {
				return s.abort(ctx, st, now, res, fmt.Errorf("checkpoint watermark: %w", err))
			}
		}
	}
	metrics.RecordEmitted(id, res.Emitted)
	if lost := leaseLost(ctx); lost != nil {
		return s.abort(ctx, st, now, res, lost)
	}

	res.Outcome = OutcomeOK
	if res.Emitted == 0 {
		res.Outcome = OutcomeEmpty
	}

	ceiling := w.Ceiling
	st.Source.LastProcessedAt = &ceiling
	st.Mode = w.Mode
	st.LastTickAt = &now
	st.LastOutcome = res.Outcome
	st.LastError = ""
	st.ConsecutiveFailures = 0
	st.NextEligibleAt = nil
	if err := s.states.SaveSourceState(ctx, st); err != nil {
		// The watermark stays, so the next tick resumes from it.
		return s.abort(ctx, st, now, res, fmt.Errorf("advance last_processed_at: %w", err))
	}
	if err := s.watermarks.Clear(ctx, id); err != nil {
		// A stale watermark only narrows the next window's floor to an
		// already-emitted point, and it expires with its TTL.
		logger.Warn().Err(err).Msg("Failed to clear watermark")
	}
	st.Watermark = nil

	ev := logger.Info()
	if res.Outcome == OutcomeEmpty {
		ev = logger.Debug()
		sig := signals.New(models.SignalTickEmpty, models.SeverityInfo, "window contained no content", now)
		sig.SourceID = id
		sig.Attributes = map[string]string{"mode": w.Mode}
		s.emitter.Emit(ctx, sig)
	}
	ev.Str("mode", w.Mode).
		Time("floor", w.Floor).
		Time("ceiling", w.Ceiling).
		Int("emitted", res.Emitted).
		Msg("Tick completed")
	return st, res
}

// fetchFailed handles source-transient errors: rate limits defer by
// Retry-After, anything else defers by exponential failure backoff. The
// watermark is kept.
func (s *Scheduler) fetchFailed(ctx context.Context, st models.SourceState, now time.Time, res Result, err error) (models.SourceState, Result) {
	logger := logging.Ctx(ctx)
	st.LastTickAt = &now
	st.Mode = res.Window.Mode
	st.LastError = err.Error()
	res.Err = err

	var next time.Time
	if rl, ok := source.AsRateLimited(err); ok {
		res.Outcome = OutcomeRateLimited
		next = now.Add(rl.RetryAfter)
		logger.Warn().Dur("retry_after", rl.RetryAfter).Msg("Source rate limited, deferring")

		sig := signals.New(models.SignalRateLimited, models.SeverityWarning, "source rate limited", now)
		sig.SourceID = st.Source.ID
		sig.Attributes = map[string]string{"retry_after": rl.RetryAfter.String()}
		s.emitter.Emit(ctx, sig)
	} else {
		res.Outcome = OutcomeFailed
		st.ConsecutiveFailures++
		backoff := s.failureBackoff(st.ConsecutiveFailures)
		next = now.Add(backoff)
		logger.Error().Err(err).Int("consecutive_failures", st.ConsecutiveFailures).
			Dur("backoff", backoff).Msg("Source fetch failed")

		sig := signals.New(models.SignalTickFailed, models.SeverityWarning, err.Error(), now)
		sig.SourceID = st.Source.ID
		sig.Attributes = map[string]string{"consecutive_failures": fmt.Sprint(st.ConsecutiveFailures)}
		s.emitter.Emit(ctx, sig)
	}
	st.NextEligibleAt = &next
	st.LastOutcome = res.Outcome

	if serr := s.states.SaveSourceState(ctx, st); serr != nil {
		logger.Error().Err(serr).Msg("Failed to save scheduler state")
	}
	return st, res
}

// abort ends a tick on a transport or storage error. Nothing is advanced;
// the next cycle retries without backoff. After a lost lease the state is
// left to the new holder.
func (s *Scheduler) abort(ctx context.Context, st models.SourceState, now time.Time, res Result, err error) (models.SourceState, Result) {
	res.Outcome = OutcomeAborted
	res.Err = err
	logging.Ctx(ctx).Warn().Err(err).Int("emitted", res.Emitted).Msg("Tick aborted")
	if errors.Is(err, lease.ErrLost) {
		return st, res
	}

	st.LastTickAt = &now
	st.LastOutcome = res.Outcome
	st.LastError = err.Error()
	if serr := s.states.SaveSourceState(ctx, st); serr != nil {
		logging.Ctx(ctx).Debug().Err(serr).Msg("Failed to record aborted tick")
	}
	return st, res
}

func (s *Scheduler) failureBackoff(failures int) time.Duration {
	base := s.cfg.FailureBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	maxBackoff := s.cfg.FailureBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Minute
	}
	d := base
	for i := 1; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// States returns every source's scheduler state with its current watermark.
func (s *Scheduler) States(ctx context.Context) ([]models.SourceState, error) {
	states, err := s.states.ListSourceStates(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range states {
		at, ok, err := s.watermarks.Get(ctx, states[i].Source.ID)
		if err != nil {
			return nil, fmt.Errorf("read watermark %s: %w", states[i].Source.ID, err)
		}
		if ok {
			at := at
			states[i].Watermark = &at
		}
	}
	return states, nil
}
