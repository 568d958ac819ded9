// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is an operator identity.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Users is the persistent store for users.
type Users interface {
	// Insert creates a new user.
	Insert(ctx context.Context, user *User) error
	// Get returns a user by id or ErrNoUser.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	// GetByLogin returns a user by username or email or ErrNoUser.
	GetByLogin(ctx context.Context, usernameOrEmail string) (*User, error)
	// UpdateLastLogin stamps the last successful login.
	UpdateLastLogin(ctx context.Context, id uuid.UUID, when time.Time) error
}

// Session is an authenticated operator session. Only the token hash is
// stored.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at the given time.
func (session *Session) Expired(now time.Time) bool {
	return !now.Before(session.ExpiresAt)
}

// Sessions is the persistent store for sessions.
type Sessions interface {
	// Insert creates a session.
	Insert(ctx context.Context, session *Session) error
	// GetByTokenHash returns a session by token hash or ErrNoSession.
	GetByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error)
	// Delete removes a session by id.
	Delete(ctx context.Context, id uuid.UUID) error
	// CountByUser returns the number of sessions stored for a user.
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
	// DeleteOldestByUser deletes the oldest sessions of a user until at
	// most keep remain. Returns the token hashes of the deleted sessions
	// so callers can drop them from caches.
	DeleteOldestByUser(ctx context.Context, userID uuid.UUID, keep int) ([][]byte, error)
	// DeleteExpired removes sessions whose expiry has passed and returns
	// the number deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// APIKey is a machine credential. Only the hash of the secret is stored.
type APIKey struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Hash      []byte
	Role      Role
	CreatedAt time.Time
	LastUsed  *time.Time
}

// APIKeys is the persistent store for api keys.
type APIKeys interface {
	// Insert creates an api key record.
	Insert(ctx context.Context, key *APIKey) error
	// GetByHash returns an api key by secret hash or ErrNoAPIKey.
	GetByHash(ctx context.Context, hash []byte) (*APIKey, error)
	// UpdateLastUsed stamps the last successful use.
	UpdateLastUsed(ctx context.Context, id uuid.UUID, when time.Time) error
	// Delete removes an api key.
	Delete(ctx context.Context, id uuid.UUID) error
	// ListByUser returns the keys belonging to a user.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*APIKey, error)
}

// DB gathers the console stores.
type DB interface {
	Users() Users
	Sessions() Sessions
	APIKeys() APIKeys
}
