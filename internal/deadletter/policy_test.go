// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"testing"
	"time"

	"github.com/tomtom215/ingestd/internal/config"
)

func TestPolicy_BackoffWithoutJitter(t *testing.T) {
	t.Parallel()

	p := NewPolicyWithSeed(42)
	p.InitialBackoff = time.Second
	p.MaxBackoff = 10 * time.Second
	p.BackoffMultiplier = 2
	p.JitterFraction = 0

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestPolicy_BackoffJitterBounds(t *testing.T) {
	t.Parallel()

	p := NewPolicyWithSeed(7)
	p.InitialBackoff = time.Second
	p.MaxBackoff = time.Minute
	p.JitterFraction = 0.2

	for i := 0; i < 200; i++ {
		got := p.Backoff(3)
		if got < 3200*time.Millisecond || got > 4800*time.Millisecond {
			t.Fatalf("Backoff(3) = %v, want within 4s +/- 20%%", got)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	t.Parallel()

	p := PolicyFromConfig(config.DeadLetterConfig{MaxAttempts: 3})
	for retry, want := range map[int]bool{1: false, 2: false, 3: true, 4: true} {
		if got := p.Exhausted(retry); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", retry, got, want)
		}
	}
}
