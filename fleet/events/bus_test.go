// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package events_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/events"
	"gitfleet.io/gitfleet/private/testcontext"
)

func newBus(t *testing.T, buffer int) *events.Bus {
	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return events.NewBus(zaptest.NewLogger(t), clock, events.Config{BufferSize: buffer})
}

func TestPublishOrderPerRoom(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := newBus(t, 256)
	defer func() { require.NoError(t, bus.Close()) }()

	sub, err := bus.Subscribe("repo:r")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		bus.Publish("repo:r", fmt.Sprintf("event-%d", i))
	}
	for i := 0; i < 10; i++ {
		envelope, err := sub.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, "repo:r", envelope.Room)
		require.Equal(t, fmt.Sprintf("event-%d", i), envelope.Payload)
	}
}

func TestDropOldestEmitsMarker(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := newBus(t, 4)
	defer func() { require.NoError(t, bus.Close()) }()

	sub, err := bus.Subscribe("repo:r")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		bus.Publish("repo:r", i)
	}

	// two oldest events were dropped; the marker arrives first
	envelope, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, envelope.Dropped)

	for want := 2; want < 6; want++ {
		envelope, err := sub.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, want, envelope.Payload)
	}
}

func TestRoomIsolation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := newBus(t, 256)
	defer func() { require.NoError(t, bus.Close()) }()

	sub, err := bus.Subscribe("repo:a")
	require.NoError(t, err)

	bus.Publish("repo:b", "other")
	bus.Publish("repo:a", "mine")

	envelope, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "mine", envelope.Payload)
}

func TestJoinAndLeave(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := newBus(t, 256)
	defer func() { require.NoError(t, bus.Close()) }()

	sub, err := bus.Subscribe()
	require.NoError(t, err)
	require.Empty(t, sub.Rooms())

	sub.Join("pipeline:r")
	bus.Publish("pipeline:r", "first")
	sub.Leave("pipeline:r")
	bus.Publish("pipeline:r", "second")

	envelope, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", envelope.Payload)
	require.Empty(t, sub.Rooms())
}

func TestReceiveAfterClose(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := newBus(t, 256)
	defer func() { require.NoError(t, bus.Close()) }()

	sub, err := bus.Subscribe("repo:r")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = sub.Receive(ctx)
	require.True(t, events.ErrClosed.Has(err))
}
