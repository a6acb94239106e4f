// Ingestd - Channel Ingestion Scheduler and Idempotent Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ingestd

package deadletter

import (
	"context"
	"errors"
	"strings"

	"github.com/tomtom215/ingestd/internal/validation"
)

// Class is the retry classification of a processing failure.
type Class int

const (
	// ClassTransient failures are retried with backoff until max attempts.
	ClassTransient Class = iota
	// ClassTerminal failures go straight to dead.
	ClassTerminal
)

// String returns the class name used in metrics and logs.
func (c Class) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "transient"
}

// Error codes recorded on dead-letter records.
const (
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeConnection  = "connection"
	CodeConflict    = "conflict"
	CodeValidation  = "validation"
	CodeMalformed   = "malformed"
	CodeUnknown     = "unknown"
)

// TransientError marks a failure whose dependency may recover, such as an
// annotator returning 503.
type TransientError struct {
	Code  string
	Cause error
}

// Transient wraps cause as a transient failure with the given code.
func Transient(code string, cause error) *TransientError {
	return &TransientError{Code: code, Cause: cause}
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause == nil {
		return "transient: " + e.Code
	}
	return "transient " + e.Code + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// TerminalError marks a failure that retrying cannot fix, such as a
// malformed payload or a schema violation.
type TerminalError struct {
	Code  string
	Cause error
}

// Terminal wraps cause as a terminal failure with the given code.
func Terminal(code string, cause error) *TerminalError {
	return &TerminalError{Code: code, Cause: cause}
}

// Error implements the error interface.
func (e *TerminalError) Error() string {
	if e.Cause == nil {
		return "terminal: " + e.Code
	}
	return "terminal " + e.Code + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause.
func (e *TerminalError) Unwrap() error {
	return e.Cause
}

// Classify returns the retry class and error code of err. Explicitly typed
// errors win; validation failures are terminal; everything else is
// transient and categorized from its message.
func Classify(err error) (Class, string) {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return ClassTerminal, codeOr(terminal.Code)
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient, codeOr(transient.Code)
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		return ClassTerminal, CodeValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, CodeTimeout
	}
	return ClassTransient, categorize(err)
}

func codeOr(code string) string {
	if code == "" {
		return CodeUnknown
	}
	return code
}

func categorize(err error) string {
	if err == nil {
		return CodeUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline", "timed out"):
		return CodeTimeout
	case containsAny(msg, "connection", "refused", "reset", "network", "unreachable"):
		return CodeConnection
	case containsAny(msg, "conflict", "duplicate key"):
		return CodeConflict
	case containsAny(msg, "unavailable", "503"):
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
