// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package clocks abstracts wall clock time and identifier generation so that
// services can be driven deterministically in tests.
package clocks

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGen generates unique identifiers.
type IDGen interface {
	NewID() uuid.UUID
}

// System uses the real wall clock and random UUIDs.
type System struct{}

// Now returns the current wall clock time.
func (System) Now() time.Time { return time.Now() }

// NewID returns a new random UUID v4.
func (System) NewID() uuid.UUID { return uuid.New() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake current time.
func (fake *Fake) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.now
}

// Advance moves the fake clock forward.
func (fake *Fake) Advance(d time.Duration) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.now = fake.now.Add(d)
}

// Set jumps the fake clock to a specific instant.
func (fake *Fake) Set(now time.Time) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.now = now
}
