// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

// Package consumer runs pipeline stages over consumer groups.
//
// One generic Runtime owns the read, ack and retry loop; stage logic is
// injected as a Processor. Each iteration reads this consumer's pending
// entries first ("0"), then reclaims idle entries from crashed peers, then
// waits a bounded time for new entries (">"). Successful entries are acked.
// Failed entries stay unacked until the dead-letter policy's next_retry_at,
// or are acked once the record is dead so they leave automatic redelivery.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/ingestd/internal/deadletter"
	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/metrics"
	"github.com/tomtom215/ingestd/internal/models"
	"github.com/tomtom215/ingestd/internal/transport"
)

// Processor is one stage's logic. Handle must be idempotent: the same
// entry may be delivered more than once.
type Processor interface {
	Handle(ctx context.Context, entry transport.Entry) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, entry transport.Entry) error

// Handle implements Processor.
func (f ProcessorFunc) Handle(ctx context.Context, entry transport.Entry) error {
	return f(ctx, entry)
}

// FailureRecorder is the dead-letter policy as seen by the runtime.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f deadletter.Failure) (*deadletter.Record, error)
	RecordSuccess(ctx context.Context, stage string, env models.Envelope) error
}

// Config identifies a runtime and bounds its reads.
type Config struct {
	// Stage names the consumer group and labels metrics.
	Stage string
	Topic string

	// Consumer is unique within the group. Empty generates one.
	Consumer string

	BatchSize int

	// Block bounds each new-entry read.
	Block time.Duration

	// ReclaimIdle is how long an entry must sit unacked at another consumer
	// before this one claims it. Zero disables reclaim.
	ReclaimIdle time.Duration
}

// Runtime is one consumer in a stage's group.
type Runtime struct {
	cfg      Config
	log      transport.Log
	proc     Processor
	failures FailureRecorder
	now      func() time.Time

	// notBefore holds entries waiting out their retry backoff.
	notBefore map[transport.Offset]time.Time
}

// New builds a runtime.
func New(cfg Config, log transport.Log, proc Processor, failures FailureRecorder) (*Runtime, error) {
	if cfg.Stage == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("consumer: stage and topic are required")
	}
	if log == nil || proc == nil || failures == nil {
		return nil, fmt.Errorf("consumer %s: log, processor and failure recorder are required", cfg.Stage)
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Stage + "-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Runtime{
		cfg:       cfg,
		log:       log,
		proc:      proc,
		failures:  failures,
		now:       time.Now,
		notBefore: make(map[transport.Offset]time.Time),
	}, nil
}

// String names the service in supervisor logs.
func (r *Runtime) String() string {
	return "consumer:" + r.cfg.Consumer
}

// Stage returns the stage name.
func (r *Runtime) Stage() string {
	return r.cfg.Stage
}

// Serve ensures the group and loops until ctx ends. It implements
// suture.Service; a transport that stays down surfaces as an error so the
// supervisor restarts the runtime with backoff.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := r.log.EnsureGroup(ctx, r.cfg.Topic, r.cfg.Stage); err != nil {
		return fmt.Errorf("ensure group %s on %s: %w", r.cfg.Stage, r.cfg.Topic, err)
	}
	logging.Info().
		Str("stage", r.cfg.Stage).
		Str("topic", r.cfg.Topic).
		Str("consumer", r.cfg.Consumer).
		Msg("Consumer started")

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := r.RunOnce(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, transport.ErrClosed):
			return err
		default:
			failures++
			logging.Warn().Err(err).Str("stage", r.cfg.Stage).Int("failures", failures).Msg("Consumer iteration aborted")
			if failures >= 10 {
				return fmt.Errorf("consumer %s: %w", r.cfg.Consumer, err)
			}
			sleep(ctx, r.cfg.Block)
		}
	}
}

// RunOnce runs one iteration and returns how many entries it handled.
func (r *Runtime) RunOnce(ctx context.Context) (int, error) {
	handled := 0

	pending, err := r.log.ReadGroup(ctx, transport.ReadRequest{
		Topic: r.cfg.Topic, Group: r.cfg.Stage, Consumer: r.cfg.Consumer,
		Cursor: transport.CursorPending, Count: r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(pending) < r.cfg.BatchSize {
		r.prune(pending)
	}

	now := r.now()
	var earliest time.Time
	for _, e := range pending {
		if at, ok := r.notBefore[e.Offset]; ok && now.Before(at) {
			if earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
			continue
		}
		if err := r.process(ctx, e); err != nil {
			return handled, err
		}
		handled++
	}
	if handled > 0 {
		return handled, nil
	}

	if r.cfg.ReclaimIdle > 0 {
		claimed, err := r.log.Claim(ctx, r.cfg.Topic, r.cfg.Stage, r.cfg.Consumer, r.cfg.ReclaimIdle, r.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("claim: %w", err)
		}
		for _, e := range claimed {
			logging.Debug().Str("stage", r.cfg.Stage).Uint64("offset", uint64(e.Offset)).Msg("Reclaimed idle entry")
			if err := r.process(ctx, e); err != nil {
				return handled, err
			}
			handled++
		}
		if handled > 0 {
			return handled, nil
		}
	}

	block := r.cfg.Block
	if !earliest.IsZero() {
		if until := earliest.Sub(now); until < block {
			block = until
		}
	}
	fresh, err := r.log.ReadGroup(ctx, transport.ReadRequest{
		Topic: r.cfg.Topic, Group: r.cfg.Stage, Consumer: r.cfg.Consumer,
		Cursor: transport.CursorNew, Count: r.cfg.BatchSize, Block: block,
	})
	if err != nil {
		return 0, fmt.Errorf("read new: %w", err)
	}
	for _, e := range fresh {
		if err := r.process(ctx, e); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

// process handles one entry. The returned error is a transport failure
// that ends the iteration; processing failures go to the dead-letter policy.
func (r *Runtime) process(ctx context.Context, e transport.Entry) error {
	if e.DecodeErr != nil {
		return r.deadLetterMalformed(ctx, e)
	}
	env := e.Envelope
	ctx = logging.ContextWithStage(ctx, r.cfg.Stage)
	ctx = logging.ContextWithIdempotencyKey(ctx, env.IdempotencyKey)
	logger := logging.Ctx(ctx)

	start := time.Now()
	herr := r.proc.Handle(ctx, e)
	if herr == nil {
		if err := r.log.Ack(ctx, e.Topic, r.cfg.Stage, e.Offset); err != nil {
			metrics.RecordProcessed(r.cfg.Stage, "ack_failed", time.Since(start))
			return fmt.Errorf("ack %d: %w", e.Offset, err)
		}
		metrics.RecordProcessed(r.cfg.Stage, "ok", time.Since(start))
		_, retried := r.notBefore[e.Offset]
		delete(r.notBefore, e.Offset)
		if retried || e.Deliveries > 1 {
			if err := r.failures.RecordSuccess(ctx, r.cfg.Stage, env); err != nil {
				logger.Warn().Err(err).Msg("Failed to resolve dead-letter record after success")
			}
		}
		return nil
	}

	rec, err := r.failures.RecordFailure(ctx, deadletter.Failure{
		Stage: r.cfg.Stage, Topic: e.Topic, Envelope: env, Err: herr,
	})
	if err != nil {
		// Without a record the entry stays pending and is retried after one block.
		metrics.RecordProcessed(r.cfg.Stage, "error", time.Since(start))
		logger.Error().Err(herr).AnErr("deadletter_error", err).Uint64("offset", uint64(e.Offset)).
			Msg("Processing failed and the failure could not be recorded")
		r.notBefore[e.Offset] = r.now().Add(r.cfg.Block)
		return nil
	}

	if rec.Status == deadletter.StatusDead {
		metrics.RecordProcessed(r.cfg.Stage, "dead", time.Since(start))
		delete(r.notBefore, e.Offset)
		if err := r.log.Ack(ctx, e.Topic, r.cfg.Stage, e.Offset); err != nil {
			return fmt.Errorf("ack dead %d: %w", e.Offset, err)
		}
		return nil
	}

	metrics.RecordProcessed(r.cfg.Stage, "retry", time.Since(start))
	if rec.NextRetryAt != nil {
		r.notBefore[e.Offset] = *rec.NextRetryAt
	}
	return nil
}

// deadLetterMalformed records an undecodable entry as dead and acks it only
// once the record is stored.
func (r *Runtime) deadLetterMalformed(ctx context.Context, e transport.Entry) error {
	ctx = logging.ContextWithStage(ctx, r.cfg.Stage)
	logger := logging.Ctx(ctx)
	start := time.Now()

	_, err := r.failures.RecordFailure(ctx, deadletter.Failure{
		Stage: r.cfg.Stage, Topic: e.Topic, Raw: e.Raw,
		Err: deadletter.Terminal(deadletter.CodeMalformed, e.DecodeErr),
	})
	if err != nil {
		metrics.RecordProcessed(r.cfg.Stage, "error", time.Since(start))
		logger.Error().Err(e.DecodeErr).AnErr("deadletter_error", err).Uint64("offset", uint64(e.Offset)).
			Msg("Malformed entry could not be dead-lettered")
		r.notBefore[e.Offset] = r.now().Add(r.cfg.Block)
		return nil
	}

	metrics.RecordProcessed(r.cfg.Stage, "dead", time.Since(start))
	delete(r.notBefore, e.Offset)
	if err := r.log.Ack(ctx, e.Topic, r.cfg.Stage, e.Offset); err != nil {
		return fmt.Errorf("ack malformed %d: %w", e.Offset, err)
	}
	logger.Warn().Err(e.DecodeErr).Uint64("offset", uint64(e.Offset)).Msg("Malformed entry dead-lettered")
	return nil
}

// prune drops backoff marks for entries no longer pending at this consumer.
func (r *Runtime) prune(pending []transport.Entry) {
	if len(r.notBefore) == 0 {
		return
	}
	live := make(map[transport.Offset]struct{}, len(pending))
	for _, e := range pending {
		live[e.Offset] = struct{}{}
	}
	for off := range r.notBefore {
		if _, ok := live[off]; !ok {
			delete(r.notBefore, off)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
