// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package events

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/faults"
)

// Authenticator resolves bearer tokens to a role. The console service
// satisfies this.
type Authenticator interface {
	ValidateSession(ctx context.Context, token string) (*console.Session, error)
	VerifyAPIKey(ctx context.Context, secret string) (*console.APIKey, error)
	GetUser(ctx context.Context, id uuid.UUID) (*console.User, error)
}

// clientMessage is anything the client sends after connecting.
type clientMessage struct {
	Type  string   `json:"type"`
	Token string   `json:"token,omitempty"`
	Rooms []string `json:"rooms,omitempty"`
}

// serverMessage is anything the server sends.
type serverMessage struct {
	Type    string      `json:"type"`
	Room    string      `json:"room,omitempty"`
	Rooms   []string    `json:"rooms,omitempty"`
	Denied  []string    `json:"denied,omitempty"`
	Count   int         `json:"count,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	At      *time.Time  `json:"at,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Server upgrades HTTP connections and bridges them onto the bus. The
// first client message must be an auth message bearing the token; rooms
// are joined afterwards, each gated by the read permission of the
// underlying resource.
type Server struct {
	log    *zap.Logger
	bus    *Bus
	auth   Authenticator
	config Config

	upgrader websocket.Upgrader
}

// NewServer creates the websocket surface over the bus.
func NewServer(log *zap.Logger, bus *Bus, auth Authenticator, config Config) *Server {
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = time.Minute
	}
	return &Server{
		log:    log,
		bus:    bus,
		auth:   auth,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// tokens authenticate the connection, not the origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	// the connection outlives the request context once hijacked
	server.serve(context.Background(), conn)
}

func (server *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	role, err := server.authenticate(ctx, conn)
	if err != nil {
		server.sendError(conn, err)
		return
	}

	subscriber, err := server.bus.Subscribe()
	if err != nil {
		server.sendError(conn, faults.Wrap(faults.Internal, err))
		return
	}
	defer func() { _ = subscriber.Close() }()

	// a resumed client has no replay buffer, so it must refetch
	if err := server.send(conn, serverMessage{Type: "hello", Kind: "invalidate-caches"}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go server.readLoop(cancel, conn, subscriber, role)
	server.writeLoop(ctx, conn, subscriber)
}

// authenticate waits for the initial auth message and resolves its token
// to a role via session or api key.
func (server *Server) authenticate(ctx context.Context, conn *websocket.Conn) (console.Role, error) {
	_ = conn.SetReadDeadline(time.Now().Add(server.config.AuthTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var message clientMessage
	if err := conn.ReadJSON(&message); err != nil {
		return "", faults.New(faults.AuthFailed, "auth message expected")
	}
	if message.Type != "auth" || message.Token == "" {
		return "", faults.New(faults.AuthFailed, "auth message expected")
	}

	if strings.HasPrefix(message.Token, "gfk_") {
		key, err := server.auth.VerifyAPIKey(ctx, message.Token)
		if err != nil {
			return "", err
		}
		return key.Role, nil
	}

	session, err := server.auth.ValidateSession(ctx, message.Token)
	if err != nil {
		return "", err
	}
	user, err := server.auth.GetUser(ctx, session.UserID)
	if err != nil {
		return "", faults.New(faults.AuthFailed, "unknown session user")
	}
	return user.Role, nil
}

// readLoop consumes subscribe and unsubscribe requests until the
// connection drops.
func (server *Server) readLoop(cancel context.CancelFunc, conn *websocket.Conn, subscriber *Subscriber, role console.Role) {
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(server.config.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(server.config.PongTimeout))

	for {
		var message clientMessage
		if err := conn.ReadJSON(&message); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(server.config.PongTimeout))

		switch message.Type {
		case "subscribe":
			var joined, denied []string
			for _, room := range message.Rooms {
				if server.allowed(role, room) {
					subscriber.Join(room)
					joined = append(joined, room)
				} else {
					denied = append(denied, room)
				}
			}
			_ = server.send(conn, serverMessage{Type: "subscribed", Rooms: joined, Denied: denied})

		case "unsubscribe":
			for _, room := range message.Rooms {
				subscriber.Leave(room)
			}
			_ = server.send(conn, serverMessage{Type: "unsubscribed", Rooms: message.Rooms})

		case "ping":
			_ = server.send(conn, serverMessage{Type: "pong"})
		}
	}
}

// writeLoop streams bus envelopes to the connection.
func (server *Server) writeLoop(ctx context.Context, conn *websocket.Conn, subscriber *Subscriber) {
	for {
		envelope, err := subscriber.Receive(ctx)
		if err != nil {
			return
		}
		message := serverMessage{
			Type:    "event",
			Room:    envelope.Room,
			Payload: envelope.Payload,
			At:      &envelope.At,
		}
		if envelope.Dropped > 0 {
			message = serverMessage{Type: "dropped", Count: envelope.Dropped, At: &envelope.At}
		}
		if err := server.send(conn, message); err != nil {
			return
		}
	}
}

// allowed maps a room to the read permission of the resource behind it.
func (server *Server) allowed(role console.Role, room string) bool {
	permission, ok := roomPermission(room)
	if !ok {
		return false
	}
	return role.HasPermission(permission)
}

func roomPermission(room string) (console.Permission, bool) {
	switch {
	case strings.HasPrefix(room, "repo:"):
		return console.Permission{Resource: console.ResourceDeployment, Action: console.ActionRead}, true
	case strings.HasPrefix(room, "pipeline:"):
		return console.Permission{Resource: console.ResourcePipeline, Action: console.ActionRead}, true
	case room == RoomSystem:
		return console.Permission{Resource: console.ResourceMetrics, Action: console.ActionRead}, true
	}
	return console.Permission{}, false
}

func (server *Server) send(conn *websocket.Conn, message serverMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(server.config.WriteTimeout))
	return conn.WriteJSON(message)
}

func (server *Server) sendError(conn *websocket.Conn, err error) {
	_ = server.send(conn, serverMessage{
		Type:    "error",
		Kind:    string(faults.KindOf(err)),
		Message: err.Error(),
	})
}
