// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package breaker

import (
	"errors"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

var errBoom = errors.New("boom")
var errIgnored = errors.New("ignored")

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := New(Config{Name: "test-trip", ConsecutiveFailures: 2, Timeout: time.Hour})
	fail := func() (any, error) { return nil, errBoom }

	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	_, err := cb.Execute(fail)
	if !Rejected(err) {
		t.Errorf("Rejected(%v) = false, want true", err)
	}
}

func TestBreakerIgnoresSuccessfulErrors(t *testing.T) {
	t.Parallel()

	cb := New(Config{
		Name:                "test-ignore",
		ConsecutiveFailures: 1,
		IsSuccessful:        func(err error) bool { return err == nil || errors.Is(err, errIgnored) },
	})
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, errIgnored })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}
