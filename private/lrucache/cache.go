// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package lrucache implements an expiring LRU cache with a fixed capacity.
package lrucache

import (
	"container/list"
	"sync"
	"time"
)

// Options controls the details of the expiration policy.
type Options struct {
	// Expiration is how long an entry will be valid. It is not affected by
	// LRU position: after this duration the entry is invalidated. A
	// non-positive value means no expiration.
	Expiration time.Duration

	// Capacity is how many entries to keep in memory.
	Capacity int

	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

type entry[K comparable, V any] struct {
	key   K
	value V
	when  time.Time
	order *list.Element
}

// ExpiringLRUOf caches values with a time based expiration and an LRU based
// eviction policy. All methods are safe for concurrent use.
type ExpiringLRUOf[K comparable, V any] struct {
	mu    sync.Mutex
	opts  Options
	data  map[K]*entry[K, V]
	order *list.List
}

// NewOf constructs an ExpiringLRUOf with the given options.
func NewOf[K comparable, V any](opts Options) *ExpiringLRUOf[K, V] {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &ExpiringLRUOf[K, V]{
		opts:  opts,
		data:  make(map[K]*entry[K, V], opts.Capacity),
		order: list.New(),
	}
}

// Put inserts or replaces the value for key, evicting the least recently
// used entry when over capacity.
func (e *ExpiringLRUOf[K, V]) Put(key K, value V) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.data[key]; ok {
		ent.value = value
		ent.when = e.opts.Clock()
		e.order.MoveToFront(ent.order)
		return
	}

	ent := &entry[K, V]{key: key, value: value, when: e.opts.Clock()}
	ent.order = e.order.PushFront(ent)
	e.data[key] = ent

	for e.opts.Capacity > 0 && e.order.Len() > e.opts.Capacity {
		e.evictOldest()
	}
}

// Get returns the value for key if it exists and has not expired.
func (e *ExpiringLRUOf[K, V]) Get(key K) (value V, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.data[key]
	if !ok {
		return value, false
	}
	if e.expired(ent) {
		e.remove(ent)
		return value, false
	}
	e.order.MoveToFront(ent.order)
	return ent.value, true
}

// Delete removes the entry for key, if present.
func (e *ExpiringLRUOf[K, V]) Delete(key K) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.data[key]; ok {
		e.remove(ent)
	}
}

// Len returns the number of entries, including any that have expired but
// have not been touched since.
func (e *ExpiringLRUOf[K, V]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len()
}

func (e *ExpiringLRUOf[K, V]) expired(ent *entry[K, V]) bool {
	return e.opts.Expiration > 0 && e.opts.Clock().Sub(ent.when) >= e.opts.Expiration
}

func (e *ExpiringLRUOf[K, V]) evictOldest() {
	back := e.order.Back()
	if back == nil {
		return
	}
	e.remove(back.Value.(*entry[K, V]))
}

func (e *ExpiringLRUOf[K, V]) remove(ent *entry[K, V]) {
	e.order.Remove(ent.order)
	delete(e.data, ent.key)
}
