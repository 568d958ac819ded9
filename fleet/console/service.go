// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package console implements operator accounts, sessions, api keys and the
// permission model.
package console

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/private/lrucache"
	"gitfleet.io/gitfleet/private/sync2"
)

var (
	// Error is the default console errs class.
	Error = errs.Class("console")

	// ErrNoUser is returned when a user does not exist.
	ErrNoUser = errs.Class("user not found")
	// ErrNoSession is returned when a session does not exist.
	ErrNoSession = errs.Class("session not found")
	// ErrNoAPIKey is returned when an api key does not exist.
	ErrNoAPIKey = errs.Class("api key not found")

	mon = monkit.Package()
)

const (
	// DefaultPasswordCost is the bcrypt work factor used in production.
	DefaultPasswordCost = 12
	// TestPasswordCost is the work factor used in tests.
	TestPasswordCost = bcrypt.MinCost

	// apiKeyPrefix is the fixed prefix of api key secrets.
	apiKeyPrefix = "gfk_"
	apiKeyBytes  = 32

	sessionCacheCapacity = 1024
)

// timingDummyHash is compared against when the user does not exist so that
// login timing does not reveal user existence.
var timingDummyHash, _ = bcrypt.GenerateFromPassword([]byte("gitfleet-timing-dummy"), bcrypt.MinCost)

// Config holds console settings.
type Config struct {
	PasswordCost           int           `help:"bcrypt work factor for password hashing" default:"12"`
	SessionTTL             time.Duration `help:"how long a session stays valid" default:"24h"`
	ConcurrentSessions     int           `help:"maximum concurrent sessions per user" default:"5"`
	SessionCleanupInterval time.Duration `help:"how often expired sessions are purged" default:"1h"`
}

// Service is the auth and session core.
//
// architecture: Service
type Service struct {
	log   *zap.Logger
	db    DB
	clock clocks.Clock
	idgen clocks.IDGen

	config Config

	// sessionCache is write-through keyed by hex token hash; on miss the
	// store is consulted.
	sessionCache *lrucache.ExpiringLRUOf[string, Session]
}

// NewService creates a console service.
func NewService(log *zap.Logger, db DB, clock clocks.Clock, idgen clocks.IDGen, config Config) *Service {
	if config.PasswordCost == 0 {
		config.PasswordCost = DefaultPasswordCost
	}
	if config.ConcurrentSessions == 0 {
		config.ConcurrentSessions = 5
	}
	return &Service{
		log:    log,
		db:     db,
		clock:  clock,
		idgen:  idgen,
		config: config,
		sessionCache: lrucache.NewOf[string, Session](lrucache.Options{
			Capacity:   sessionCacheCapacity,
			Expiration: config.SessionTTL,
			Clock:      clock.Now,
		}),
	}
}

// CreateUser inserts a user with a hashed password.
func (service *Service) CreateUser(ctx context.Context, username, email, password string, role Role) (user *User, err error) {
	defer mon.Task()(&ctx)(&err)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), service.config.PasswordCost)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	user = &User{
		ID:           service.idgen.NewID(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    service.clock.Now(),
	}
	if err := service.db.Users().Insert(ctx, user); err != nil {
		return nil, Error.Wrap(err)
	}
	return user, nil
}

// Authenticate verifies credentials and stamps lastLogin on success. The
// password hash is always computed so that response timing does not reveal
// whether the user exists.
func (service *Service) Authenticate(ctx context.Context, usernameOrEmail, password string) (user *User, err error) {
	defer mon.Task()(&ctx)(&err)

	user, lookupErr := service.db.Users().GetByLogin(ctx, usernameOrEmail)
	if lookupErr != nil {
		_ = bcrypt.CompareHashAndPassword(timingDummyHash, []byte(password))
		return nil, faults.New(faults.AuthFailed, "invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, faults.New(faults.AuthFailed, "invalid credentials")
	}

	now := service.clock.Now()
	if err := service.db.Users().UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, Error.Wrap(err)
	}
	user.LastLogin = &now
	return user, nil
}

// CreateSession stores a session for the given opaque token, evicting the
// oldest sessions of the user until the concurrent limit holds.
func (service *Service) CreateSession(ctx context.Context, userID uuid.UUID, token string, ttl time.Duration) (session *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl <= 0 {
		ttl = service.config.SessionTTL
	}

	// keep count+new <= limit
	evicted, err := service.db.Sessions().DeleteOldestByUser(ctx, userID, service.config.ConcurrentSessions-1)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, hash := range evicted {
		service.sessionCache.Delete(hex.EncodeToString(hash))
	}

	now := service.clock.Now()
	hash := hashToken(token)
	session = &Session{
		ID:        service.idgen.NewID(),
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := service.db.Sessions().Insert(ctx, session); err != nil {
		return nil, Error.Wrap(err)
	}
	service.sessionCache.Put(hex.EncodeToString(hash), *session)
	return session, nil
}

// ValidateSession resolves a token to its session, checking the cache before
// the store and invalidating expired sessions synchronously.
func (service *Service) ValidateSession(ctx context.Context, token string) (_ *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	hash := hashToken(token)
	key := hex.EncodeToString(hash)

	session, ok := service.sessionCache.Get(key)
	if !ok {
		stored, err := service.db.Sessions().GetByTokenHash(ctx, hash)
		if err != nil {
			return nil, faults.New(faults.AuthFailed, "unknown session")
		}
		session = *stored
	}

	if session.Expired(service.clock.Now()) {
		service.sessionCache.Delete(key)
		if err := service.db.Sessions().Delete(ctx, session.ID); err != nil {
			service.log.Warn("deleting expired session failed", zap.Error(err))
		}
		return nil, faults.New(faults.AuthFailed, "session expired")
	}

	service.sessionCache.Put(key, session)
	return &session, nil
}

// RevokeSession deletes a session by token.
func (service *Service) RevokeSession(ctx context.Context, token string) (err error) {
	defer mon.Task()(&ctx)(&err)

	hash := hashToken(token)
	session, err := service.db.Sessions().GetByTokenHash(ctx, hash)
	if err != nil {
		return nil // revoking an unknown session is not an error
	}
	service.sessionCache.Delete(hex.EncodeToString(hash))
	return Error.Wrap(service.db.Sessions().Delete(ctx, session.ID))
}

// CreateAPIKey mints a new api key for the user and returns the record
// together with the secret. The secret is shown once; only its hash is
// stored.
func (service *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, name string, role Role) (key *APIKey, secret string, err error) {
	defer mon.Task()(&ctx)(&err)

	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", Error.Wrap(err)
	}
	secret = apiKeyPrefix + hex.EncodeToString(raw)

	key = &APIKey{
		ID:        service.idgen.NewID(),
		UserID:    userID,
		Name:      name,
		Hash:      hashToken(secret),
		Role:      role,
		CreatedAt: service.clock.Now(),
	}
	if err := service.db.APIKeys().Insert(ctx, key); err != nil {
		return nil, "", Error.Wrap(err)
	}
	return key, secret, nil
}

// VerifyAPIKey resolves an api key secret, comparing hashes in constant
// time, and stamps lastUsed on success.
func (service *Service) VerifyAPIKey(ctx context.Context, secret string) (key *APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	hash := hashToken(secret)
	key, lookupErr := service.db.APIKeys().GetByHash(ctx, hash)
	if lookupErr != nil {
		return nil, faults.New(faults.AuthFailed, "unknown api key")
	}
	if subtle.ConstantTimeCompare(key.Hash, hash) != 1 {
		return nil, faults.New(faults.AuthFailed, "unknown api key")
	}
	if err := service.db.APIKeys().UpdateLastUsed(ctx, key.ID, service.clock.Now()); err != nil {
		return nil, Error.Wrap(err)
	}
	return key, nil
}

// CheckPermission reports whether the role may perform action on resource.
// Unknown pairs fail closed.
func (service *Service) CheckPermission(role Role, resource Resource, action Action) bool {
	return role.HasPermission(Permission{Resource: resource, Action: action})
}

// GetUser returns a user by id.
func (service *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return service.db.Users().Get(ctx, id)
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Chore purges expired sessions on a fixed interval.
type Chore struct {
	log   *zap.Logger
	db    Sessions
	clock clocks.Clock

	Loop *sync2.Cycle
}

// NewChore creates the session cleanup chore.
func NewChore(log *zap.Logger, db Sessions, clock clocks.Clock, interval time.Duration) *Chore {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Chore{
		log:   log,
		db:    db,
		clock: clock,
		Loop:  sync2.NewCycle(interval),
	}
}

// Run runs the chore until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		deleted, err := chore.db.DeleteExpired(ctx, chore.clock.Now())
		if err != nil {
			chore.log.Error("session cleanup failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			chore.log.Debug("expired sessions removed", zap.Int64("count", deleted))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
