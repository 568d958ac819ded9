// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package kvstore

import (
	"context"
	"time"

	"gitfleet.io/gitfleet/private/lrucache"
)

// Memory is an in-process Store backed by an expiring LRU. The capacity
// bounds memory use; the ttl passed to Put is capped by the cache-wide
// expiration.
type Memory struct {
	cache *lrucache.ExpiringLRUOf[string, memoryEntry]
	clock func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory creates an in-memory store holding up to capacity entries that
// expire after expiration.
func NewMemory(capacity int, expiration time.Duration) *Memory {
	return newMemory(capacity, expiration, time.Now)
}

func newMemory(capacity int, expiration time.Duration, clock func() time.Time) *Memory {
	return &Memory{
		cache: lrucache.NewOf[string, memoryEntry](lrucache.Options{
			Capacity:   capacity,
			Expiration: expiration,
			Clock:      clock,
		}),
		clock: clock,
	}
}

// Put stores a value under key.
func (store *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = store.clock().Add(ttl)
	}
	store.cache.Put(key, memoryEntry{value: value, expires: expires})
	return nil
}

// Get returns the value stored under key or ErrKeyNotFound.
func (store *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	entry, ok := store.cache.Get(key)
	if !ok {
		return nil, ErrKeyNotFound.New("%q", key)
	}
	if !entry.expires.IsZero() && !store.clock().Before(entry.expires) {
		store.cache.Delete(key)
		return nil, ErrKeyNotFound.New("%q", key)
	}
	return entry.value, nil
}

// PutIfAbsent stores the value only when the key is not already present.
func (store *Memory) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if _, err := store.Get(ctx, key); err == nil {
		return false, nil
	}
	return true, store.Put(ctx, key, value, ttl)
}

// Delete removes the key.
func (store *Memory) Delete(ctx context.Context, key string) error {
	store.cache.Delete(key)
	return nil
}

// Close is a no-op for the memory store.
func (store *Memory) Close() error { return nil }
