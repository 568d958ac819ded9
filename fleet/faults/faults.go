// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package faults defines the error taxonomy shared by every subsystem.
//
// A Fault carries a stable kind, a human readable message, optional
// field-level details and the correlation id matching the server log entry.
// The kind, not the message, decides how a failure is handled.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is a stable error category.
type Kind string

// The recognized error kinds.
const (
	Validation      Kind = "validationError"
	PolicyViolation Kind = "policyViolation"
	AuthFailed      Kind = "authFailed"
	NotFound        Kind = "notFound"
	Conflict        Kind = "conflict"
	RateLimited     Kind = "rateLimited"
	Transport       Kind = "transport"
	Timeout         Kind = "timeout"
	PayloadTooLarge Kind = "payloadTooLarge"
	RollbackFailed  Kind = "rollbackFailed"
	Internal        Kind = "internal"
)

// Fault is an error with a stable kind.
type Fault struct {
	Kind          Kind
	Message       string
	Details       map[string]string
	CorrelationID string

	// RetryAfter is set for RateLimited faults when the upstream told us
	// how long to wait.
	RetryAfter time.Duration

	cause error
}

// Error implements the error interface.
func (fault *Fault) Error() string {
	if fault.cause != nil {
		return fmt.Sprintf("%s: %s: %v", fault.Kind, fault.Message, fault.cause)
	}
	return fmt.Sprintf("%s: %s", fault.Kind, fault.Message)
}

// Unwrap returns the wrapped cause.
func (fault *Fault) Unwrap() error { return fault.cause }

// WithDetail returns the fault with an extra detail attached.
func (fault *Fault) WithDetail(key, value string) *Fault {
	if fault.Details == nil {
		fault.Details = map[string]string{}
	}
	fault.Details[key] = value
	return fault
}

// WithRetryAfter returns the fault with an upstream wait hint attached.
func (fault *Fault) WithRetryAfter(wait time.Duration) *Fault {
	fault.RetryAfter = wait
	return fault
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil error returns nil; an
// error that already is a Fault keeps its original kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return err
	}
	return &Fault{Kind: kind, Message: err.Error(), cause: err}
}

// KindOf classifies an arbitrary error. Deadline errors map to Timeout,
// cancellation and unrecognized errors to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the kind may be retried with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transport, RateLimited, Timeout:
		return true
	}
	return false
}

// RetryAfter returns the upstream-provided wait for rate limited errors.
func RetryAfter(err error) time.Duration {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.RetryAfter
	}
	return 0
}
