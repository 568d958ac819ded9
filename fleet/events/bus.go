// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package events implements the room scoped push bus and its websocket
// surface. Publishers write state deltas into rooms; subscribers hold a
// bounded buffer per connection.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/clocks"
)

var (
	mon = monkit.Package()

	// Error is the default events errs class.
	Error = errs.Class("events")

	// ErrClosed is returned when receiving from a closed subscriber.
	ErrClosed = errs.Class("subscriber closed")
)

// The well known rooms. Repository and pipeline rooms are derived per
// entity, "repo:<name>" and "pipeline:<name>".
const (
	RoomSystem = "system"
)

// Config configures the bus and its websocket surface.
type Config struct {
	BufferSize   int           `help:"events buffered per subscriber" default:"256"`
	AuthTimeout  time.Duration `help:"how long a connection may take to authenticate" default:"10s"`
	WriteTimeout time.Duration `help:"websocket write deadline" default:"10s"`
	PongTimeout  time.Duration `help:"how long to wait for a pong before dropping the connection" default:"60s"`
}

// Envelope is one delivered bus message. A non-zero Dropped carries no
// payload; it tells the subscriber how many events were lost so it can
// resync from the store.
type Envelope struct {
	Room    string      `json:"room,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Dropped int         `json:"dropped,omitempty"`
	At      time.Time   `json:"at"`
}

// Bus fans published events out to room subscribers. Delivery within one
// room follows publish order; across rooms there is no ordering guarantee.
type Bus struct {
	log    *zap.Logger
	clock  clocks.Clock
	buffer int

	mu     sync.Mutex
	rooms  map[string]map[*Subscriber]struct{}
	closed bool
}

// NewBus creates a bus.
func NewBus(log *zap.Logger, clock clocks.Clock, config Config) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &Bus{
		log:    log,
		clock:  clock,
		buffer: config.BufferSize,
		rooms:  make(map[string]map[*Subscriber]struct{}),
	}
}

// Publish delivers payload to every subscriber of room. Slow subscribers
// lose their oldest buffered event rather than blocking the publisher.
func (bus *Bus) Publish(room string, payload interface{}) {
	envelope := Envelope{Room: room, Payload: payload, At: bus.clock.Now()}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return
	}
	for subscriber := range bus.rooms[room] {
		subscriber.push(envelope)
	}
	mon.Counter("events_published").Inc(1)
}

// Announce implements the announcer interfaces of the publishing services.
func (bus *Bus) Announce(room string, payload interface{}) {
	bus.Publish(room, payload)
}

// Subscribe creates a subscriber joined to the given rooms.
func (bus *Bus) Subscribe(rooms ...string) (*Subscriber, error) {
	subscriber := &Subscriber{
		bus:    bus,
		rooms:  make(map[string]struct{}),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return nil, Error.New("bus closed")
	}
	for _, room := range rooms {
		bus.join(subscriber, room)
	}
	return subscriber, nil
}

// join adds subscriber to room. Callers hold bus.mu.
func (bus *Bus) join(subscriber *Subscriber, room string) {
	members, ok := bus.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		bus.rooms[room] = members
	}
	members[subscriber] = struct{}{}
	subscriber.rooms[room] = struct{}{}
}

// leave removes subscriber from room. Callers hold bus.mu.
func (bus *Bus) leave(subscriber *Subscriber, room string) {
	members := bus.rooms[room]
	delete(members, subscriber)
	if len(members) == 0 {
		delete(bus.rooms, room)
	}
	delete(subscriber.rooms, room)
}

// Close detaches every subscriber and rejects new ones.
func (bus *Bus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return nil
	}
	bus.closed = true
	for room, members := range bus.rooms {
		for subscriber := range members {
			subscriber.detach()
		}
		delete(bus.rooms, room)
	}
	return nil
}

// Subscriber is one bounded ordered stream of bus events.
type Subscriber struct {
	bus   *Bus
	rooms map[string]struct{}

	mu      sync.Mutex
	queue   []Envelope
	dropped int

	signal   chan struct{}
	done     chan struct{}
	detached sync.Once
}

// push appends the envelope, dropping the oldest buffered event when the
// buffer is full.
func (subscriber *Subscriber) push(envelope Envelope) {
	subscriber.mu.Lock()
	if len(subscriber.queue) >= subscriber.bus.buffer {
		subscriber.queue = subscriber.queue[1:]
		subscriber.dropped++
		mon.Counter("events_dropped").Inc(1)
	}
	subscriber.queue = append(subscriber.queue, envelope)
	subscriber.mu.Unlock()

	select {
	case subscriber.signal <- struct{}{}:
	default:
	}
}

// Receive blocks until an envelope is available. When events were dropped
// since the last receive, a marker envelope with the count is delivered
// before the surviving queue.
func (subscriber *Subscriber) Receive(ctx context.Context) (Envelope, error) {
	for {
		subscriber.mu.Lock()
		if subscriber.dropped > 0 {
			count := subscriber.dropped
			subscriber.dropped = 0
			subscriber.mu.Unlock()
			return Envelope{Dropped: count, At: subscriber.bus.clock.Now()}, nil
		}
		if len(subscriber.queue) > 0 {
			envelope := subscriber.queue[0]
			subscriber.queue = subscriber.queue[1:]
			subscriber.mu.Unlock()
			return envelope, nil
		}
		subscriber.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-subscriber.done:
			return Envelope{}, ErrClosed.New("detached")
		case <-subscriber.signal:
		}
	}
}

// Join adds the subscriber to a room.
func (subscriber *Subscriber) Join(room string) {
	subscriber.bus.mu.Lock()
	defer subscriber.bus.mu.Unlock()
	if subscriber.bus.closed {
		return
	}
	subscriber.bus.join(subscriber, room)
}

// Leave removes the subscriber from a room.
func (subscriber *Subscriber) Leave(room string) {
	subscriber.bus.mu.Lock()
	defer subscriber.bus.mu.Unlock()
	subscriber.bus.leave(subscriber, room)
}

// Rooms returns the rooms currently joined.
func (subscriber *Subscriber) Rooms() []string {
	subscriber.bus.mu.Lock()
	defer subscriber.bus.mu.Unlock()
	rooms := make([]string, 0, len(subscriber.rooms))
	for room := range subscriber.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Close leaves every room and wakes any blocked Receive.
func (subscriber *Subscriber) Close() error {
	subscriber.bus.mu.Lock()
	for room := range subscriber.rooms {
		subscriber.bus.leave(subscriber, room)
	}
	subscriber.bus.mu.Unlock()
	subscriber.detach()
	return nil
}

func (subscriber *Subscriber) detach() {
	subscriber.detached.Do(func() { close(subscriber.done) })
}
