// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package fleetdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/console"
)

type usersDB struct {
	*DB
}

// Insert creates a new user.
func (db *usersDB) Insert(ctx context.Context, user *console.User) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID.String(), user.Username, user.Email, user.PasswordHash,
		string(user.Role), user.CreatedAt.UTC(), nullTime(user.LastLogin))
	return ErrDatabase.Wrap(err)
}

// Get returns a user by id.
func (db *usersDB) Get(ctx context.Context, id uuid.UUID) (*console.User, error) {
	return db.getWhere(ctx, `id = ?`, id.String())
}

// GetByLogin returns a user by username or email.
func (db *usersDB) GetByLogin(ctx context.Context, usernameOrEmail string) (*console.User, error) {
	return db.getWhere(ctx, `username = ? OR email = ?`, usernameOrEmail, usernameOrEmail)
}

func (db *usersDB) getWhere(ctx context.Context, where string, args ...interface{}) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		user      console.User
		idText    string
		role      string
		lastLogin sql.NullTime
	)
	err = db.queryRow(ctx, `
		SELECT id, username, email, password_hash, role, created_at, last_login
		FROM users WHERE `+where, args...).Scan(
		&idText, &user.Username, &user.Email, &user.PasswordHash, &role, &user.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNoUser.New("")
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if user.ID, err = uuid.Parse(idText); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	user.Role = console.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return &user, nil
}

// UpdateLastLogin stamps the last successful login.
func (db *usersDB) UpdateLastLogin(ctx context.Context, id uuid.UUID, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, when.UTC(), id.String())
	return ErrDatabase.Wrap(err)
}

type sessionsDB struct {
	*DB
}

// Insert creates a session.
func (db *sessionsDB) Insert(ctx context.Context, session *console.Session) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID.String(), session.UserID.String(), session.TokenHash,
		session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	return ErrDatabase.Wrap(err)
}

// GetByTokenHash returns a session by token hash.
func (db *sessionsDB) GetByTokenHash(ctx context.Context, tokenHash []byte) (_ *console.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		session        console.Session
		idText, userID string
	)
	err = db.queryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at
		FROM sessions WHERE token_hash = ?`, tokenHash).Scan(
		&idText, &userID, &session.TokenHash, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNoSession.New("")
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if session.ID, err = uuid.Parse(idText); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if session.UserID, err = uuid.Parse(userID); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return &session, nil
}

// Delete removes a session by id.
func (db *sessionsDB) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return ErrDatabase.Wrap(err)
}

// CountByUser returns the number of sessions stored for a user.
func (db *sessionsDB) CountByUser(ctx context.Context, userID uuid.UUID) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.queryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID.String()).Scan(&count)
	return count, ErrDatabase.Wrap(err)
}

// DeleteOldestByUser deletes the oldest sessions of a user until at most
// keep remain.
func (db *sessionsDB) DeleteOldestByUser(ctx context.Context, userID uuid.UUID, keep int) (deleted [][]byte, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.query(ctx, `
		SELECT id, token_hash FROM sessions
		WHERE user_id = ?
		ORDER BY created_at DESC`, userID.String())
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}

	type victim struct {
		id   string
		hash []byte
	}
	var victims []victim
	index := 0
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.hash); err != nil {
			return nil, ErrDatabase.Wrap(errs.Combine(err, rows.Close()))
		}
		if index >= keep {
			victims = append(victims, v)
		}
		index++
	}
	if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}

	for _, v := range victims {
		if _, err := db.exec(ctx, `DELETE FROM sessions WHERE id = ?`, v.id); err != nil {
			return deleted, ErrDatabase.Wrap(err)
		}
		deleted = append(deleted, v.hash)
	}
	return deleted, nil
}

// DeleteExpired removes sessions whose expiry has passed.
func (db *sessionsDB) DeleteExpired(ctx context.Context, now time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, ErrDatabase.Wrap(err)
}

type apiKeysDB struct {
	*DB
}

// Insert creates an api key record.
func (db *apiKeysDB) Insert(ctx context.Context, key *console.APIKey) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, hash, role, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(), key.UserID.String(), key.Name, key.Hash,
		string(key.Role), key.CreatedAt.UTC(), nullTime(key.LastUsed))
	return ErrDatabase.Wrap(err)
}

// GetByHash returns an api key by secret hash.
func (db *apiKeysDB) GetByHash(ctx context.Context, hash []byte) (_ *console.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		key            console.APIKey
		idText, userID string
		role           string
		lastUsed       sql.NullTime
	)
	err = db.queryRow(ctx, `
		SELECT id, user_id, name, hash, role, created_at, last_used
		FROM api_keys WHERE hash = ?`, hash).Scan(
		&idText, &userID, &key.Name, &key.Hash, &role, &key.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNoAPIKey.New("")
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if key.ID, err = uuid.Parse(idText); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if key.UserID, err = uuid.Parse(userID); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	key.Role = console.Role(role)
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsed = &t
	}
	return &key, nil
}

// UpdateLastUsed stamps the last successful use.
func (db *apiKeysDB) UpdateLastUsed(ctx context.Context, id uuid.UUID, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, when.UTC(), id.String())
	return ErrDatabase.Wrap(err)
}

// Delete removes an api key.
func (db *apiKeysDB) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `DELETE FROM api_keys WHERE id = ?`, id.String())
	return ErrDatabase.Wrap(err)
}

// ListByUser returns the keys belonging to a user.
func (db *apiKeysDB) ListByUser(ctx context.Context, userID uuid.UUID) (keys []*console.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.query(ctx, `
		SELECT id, user_id, name, hash, role, created_at, last_used
		FROM api_keys WHERE user_id = ? ORDER BY created_at ASC`, userID.String())
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()

	for rows.Next() {
		var (
			key            console.APIKey
			idText, userID string
			role           string
			lastUsed       sql.NullTime
		)
		if err := rows.Scan(&idText, &userID, &key.Name, &key.Hash, &role, &key.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if key.ID, err = uuid.Parse(idText); err != nil {
			return nil, err
		}
		if key.UserID, err = uuid.Parse(userID); err != nil {
			return nil, err
		}
		key.Role = console.Role(role)
		if lastUsed.Valid {
			t := lastUsed.Time
			key.LastUsed = &t
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}
