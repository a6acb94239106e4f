// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/tomtom215/ingestd/internal/logging"
	"github.com/tomtom215/ingestd/internal/models"
)

// Journal persists signals. *database.DB implements it.
type Journal interface {
	InsertSignal(ctx context.Context, sig *models.Signal) error
}

// Broadcaster fans a signal out to live listeners.
type Broadcaster interface {
	BroadcastSignal(sig models.Signal)
}

// RouterConfig tunes the journaling router.
type RouterConfig struct {
	Topic        string
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Topic:                DefaultTopic,
		CloseTimeout:         10 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 200 * time.Millisecond,
	}
}

// Router consumes the signal topic, journals each signal and broadcasts it.
type Router struct {
	router  *message.Router
	journal Journal
	bc      Broadcaster
}

// NewRouter wires the journal handler. bc may be nil.
func NewRouter(cfg RouterConfig, sub message.Subscriber, journal Journal, bc Broadcaster, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = Logger()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create signal router: %w", err)
	}
	wmRouter.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		Multiplier:      2,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)

	r := &Router{router: wmRouter, journal: journal, bc: bc}
	wmRouter.AddConsumerHandler("signal-journal", cfg.Topic, sub, r.handle)
	return r, nil
}

// handle journals one signal. A malformed message is acked and dropped;
// a journal failure is returned so the retry middleware tries again.
func (r *Router) handle(msg *message.Message) error {
	sig, err := Decode(msg)
	if err != nil {
		logging.Warn().Err(err).Msg("Dropping malformed signal")
		return nil
	}
	if r.journal != nil {
		if err := r.journal.InsertSignal(msg.Context(), &sig); err != nil {
			return fmt.Errorf("journal signal %s: %w", sig.ID, err)
		}
	}
	if r.bc != nil {
		r.bc.BroadcastSignal(sig)
	}
	return nil
}

// Running is closed once the router is consuming.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Serve runs the router until ctx ends. It implements suture.Service.
func (r *Router) Serve(ctx context.Context) error {
	if err := r.router.Run(ctx); err != nil {
		return fmt.Errorf("signal router: %w", err)
	}
	return ctx.Err()
}

// String names the service in supervisor logs.
func (r *Router) String() string {
	return "signal-router"
}
