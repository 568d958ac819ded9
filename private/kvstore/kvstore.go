// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package kvstore declares the interface for ephemeral key/value stores used
// for caches and webhook delivery deduplication.
package kvstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default kvstore errs class.
var Error = errs.Class("kvstore")

// ErrKeyNotFound is returned when a key does not exist.
var ErrKeyNotFound = errs.Class("key not found")

// Store is an ephemeral key/value store with per-key expiration.
//
// Stores are caches: values may disappear before their TTL and callers must
// be able to reconstruct them from the source of truth.
type Store interface {
	// Put stores a value under key. A non-positive ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value stored under key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// PutIfAbsent stores the value only when the key does not already
	// exist and reports whether it was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes the key; missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Close releases any resources held by the store.
	Close() error
}
