// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package lrucache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitfleet.io/gitfleet/private/lrucache"
)

func TestCapacityEviction(t *testing.T) {
	cache := lrucache.NewOf[string, int](lrucache.Options{Capacity: 2})

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3)

	_, ok := cache.Get("a")
	require.False(t, ok, "oldest entry should have been evicted")

	v, ok := cache.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)

	// touching "b" makes "c" the eviction candidate
	cache.Put("d", 4)
	_, ok = cache.Get("c")
	require.False(t, ok)
	_, ok = cache.Get("b")
	require.True(t, ok)
}

func TestExpiration(t *testing.T) {
	now := time.Now()
	cache := lrucache.NewOf[string, string](lrucache.Options{
		Capacity:   10,
		Expiration: time.Minute,
		Clock:      func() time.Time { return now },
	})

	cache.Put("k", "v")

	now = now.Add(time.Minute - time.Millisecond)
	v, ok := cache.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	now = now.Add(2 * time.Millisecond)
	_, ok = cache.Get("k")
	require.False(t, ok)
}

func TestDelete(t *testing.T) {
	cache := lrucache.NewOf[int, int](lrucache.Options{Capacity: 4})
	cache.Put(1, 1)
	cache.Delete(1)
	_, ok := cache.Get(1)
	require.False(t, ok)
	require.Zero(t, cache.Len())
}
