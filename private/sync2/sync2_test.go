// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitfleet.io/gitfleet/private/sync2"
)

func TestCycle_Basic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count int64
	cycle := sync2.NewCycle(time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(ctx, func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
	}()

	// Run invokes fn once immediately.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 1
	}, time.Second, time.Millisecond)

	cycle.TriggerWait()
	require.GreaterOrEqual(t, atomic.LoadInt64(&count), int64(2))

	cycle.Stop()
	require.NoError(t, <-done)
}

func TestCycle_StopsOnError(t *testing.T) {
	ctx := context.Background()

	cycle := sync2.NewCycle(time.Millisecond)
	expected := context.DeadlineExceeded

	err := cycle.Run(ctx, func(ctx context.Context) error {
		return expected
	})
	require.Equal(t, expected, err)
}

func TestLimiter(t *testing.T) {
	ctx := context.Background()

	const limit = 4
	limiter := sync2.NewLimiter(limit)

	var inflight, peak int64
	for i := 0; i < 64; i++ {
		started := limiter.Go(ctx, func() {
			now := atomic.AddInt64(&inflight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inflight, -1)
		})
		require.True(t, started)
	}
	limiter.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	require.Zero(t, atomic.LoadInt64(&inflight))

	// after Wait no new goroutines may start
	require.False(t, limiter.Go(ctx, func() {}))
}

func TestLimiter_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	limiter := sync2.NewLimiter(1)
	require.False(t, limiter.Go(ctx, func() {}))
	limiter.Wait()
}
