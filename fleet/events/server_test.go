// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package events_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/events"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/private/testcontext"
)

type wsMessage struct {
	Type    string      `json:"type"`
	Room    string      `json:"room"`
	Rooms   []string    `json:"rooms"`
	Denied  []string    `json:"denied"`
	Count   int         `json:"count"`
	Payload interface{} `json:"payload"`
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
}

type wsFixture struct {
	bus      *events.Bus
	consoles *console.Service
	url      string
}

func newWSFixture(t *testing.T, ctx *testcontext.Context) *wsFixture {
	log := zaptest.NewLogger(t)
	db, err := fleetdb.Open(ctx, log, fleetdb.Config{
		URL: "sqlite3://file::memory:?_foreign_keys=on&_loc=UTC",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	consoles := console.NewService(log, db, clock, clocks.System{}, console.Config{
		PasswordCost: console.TestPasswordCost,
		SessionTTL:   time.Hour,
	})

	bus := events.NewBus(log, clock, events.Config{})
	t.Cleanup(func() { require.NoError(t, bus.Close()) })

	server := httptest.NewServer(events.NewServer(log, bus, consoles, events.Config{}))
	t.Cleanup(server.Close)

	return &wsFixture{
		bus:      bus,
		consoles: consoles,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *wsFixture) sessionToken(t *testing.T, ctx *testcontext.Context, username string, role console.Role) string {
	user, err := f.consoles.CreateUser(ctx, username, username+"@example.com", "hunter2", role)
	require.NoError(t, err)
	token := "token-" + username
	_, err = f.consoles.CreateSession(ctx, user.ID, token, time.Hour)
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wsMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var message wsMessage
	require.NoError(t, conn.ReadJSON(&message))
	return message
}

func TestWebsocketAuthSubscribeReceive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newWSFixture(t, ctx)

	token := f.sessionToken(t, ctx, "alice", console.RoleAdmin)
	conn := dial(t, f.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": token}))
	hello := read(t, conn)
	require.Equal(t, "hello", hello.Type)
	require.Equal(t, "invalidate-caches", hello.Kind)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "subscribe",
		"rooms": []string{"repo:festion/home-assistant-config", "pipeline:festion/home-assistant-config"},
	}))
	subscribed := read(t, conn)
	require.Equal(t, "subscribed", subscribed.Type)
	require.Len(t, subscribed.Rooms, 2)
	require.Empty(t, subscribed.Denied)

	f.bus.Publish("repo:festion/home-assistant-config", map[string]string{"kind": "deployment:completed"})

	event := read(t, conn)
	require.Equal(t, "event", event.Type)
	require.Equal(t, "repo:festion/home-assistant-config", event.Room)
	payload, ok := event.Payload.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "deployment:completed", payload["kind"])
}

func TestWebsocketRoomPermissionDenied(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newWSFixture(t, ctx)

	// viewers may read pipelines but not deployments
	token := f.sessionToken(t, ctx, "bob", console.RoleViewer)
	conn := dial(t, f.url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": token}))
	require.Equal(t, "hello", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "subscribe",
		"rooms": []string{"repo:r", "pipeline:r", "bogus-room"},
	}))
	subscribed := read(t, conn)
	require.Equal(t, "subscribed", subscribed.Type)
	require.Equal(t, []string{"pipeline:r"}, subscribed.Rooms)
	require.ElementsMatch(t, []string{"repo:r", "bogus-room"}, subscribed.Denied)
}

func TestWebsocketBadTokenRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newWSFixture(t, ctx)

	conn := dial(t, f.url)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "nope"}))

	reply := read(t, conn)
	require.Equal(t, "error", reply.Type)
	require.Equal(t, "authFailed", reply.Kind)
}

func TestWebsocketAPIKeyAuth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newWSFixture(t, ctx)

	user, err := f.consoles.CreateUser(ctx, "carol", "carol@example.com", "hunter2", console.RoleAdmin)
	require.NoError(t, err)
	_, secret, err := f.consoles.CreateAPIKey(ctx, user.ID, "dashboard", console.RoleViewer)
	require.NoError(t, err)

	conn := dial(t, f.url)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": secret}))
	require.Equal(t, "hello", read(t, conn).Type)
}
