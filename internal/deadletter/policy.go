// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tomtom215/ingestd/internal/config"
)

// Policy decides backoff and the dead transition.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	rng   *rand.Rand
	rngMu sync.Mutex
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() *Policy {
	return NewPolicyWithSeed(0)
}

// NewPolicyWithSeed returns the default policy with a fixed jitter seed.
// A zero seed uses the clock.
func NewPolicyWithSeed(seed int64) *Policy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		//nolint:gosec // G404: jitter does not need a cryptographic source
		rng: rand.New(rand.NewSource(seed)),
	}
}

// PolicyFromConfig builds a policy from the deadletter config section.
func PolicyFromConfig(cfg config.DeadLetterConfig) *Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		p.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.BackoffMultiplier >= 1 {
		p.BackoffMultiplier = cfg.BackoffMultiplier
	}
	p.JitterFraction = cfg.JitterFraction
	return p
}

// Backoff returns the delay before the next attempt after retryCount
// failures: InitialBackoff * Multiplier^(retryCount-1), capped at
// MaxBackoff, then spread by +/- JitterFraction.
func (p *Policy) Backoff(retryCount int) time.Duration {
	n := retryCount - 1
	if n < 0 {
		n = 0
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(n))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	if p.JitterFraction > 0 {
		p.rngMu.Lock()
		jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1)
		p.rngMu.Unlock()
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// Exhausted reports whether retryCount failures use up the attempt budget.
func (p *Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}
