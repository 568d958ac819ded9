// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package migrate implements versioned database migrations applied at
// startup under a single lock.
package migrate

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// VersionTable is the table that stores the current schema version.
const VersionTable = "versions"

// Migration describes a migration steps.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single migration step.
type Step struct {
	// Version is a positive integer, applied in ascending order.
	Version     int
	Description string
	Action      Action
}

// Action is something that can run a migration step.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL performs a series of SQL statements as a migration action.
type SQL []string

// Run runs the SQL statements.
func (sqls SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, query := range sqls {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func runs an arbitrary function as a migration action.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run runs the migration function.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}

// Run applies all unapplied migration steps in version order. The version
// table update and the step share a transaction, so a failed step leaves the
// recorded version untouched.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	if migration.Table == "" {
		migration.Table = VersionTable
	}
	if err := migration.ensureVersionTable(ctx, db); err != nil {
		return err
	}

	current, err := migration.currentVersion(ctx, db)
	if err != nil {
		return err
	}

	last := -1
	for _, step := range migration.Steps {
		if step.Version <= last {
			return Error.New("steps are out of order: %d after %d", step.Version, last)
		}
		last = step.Version

		if step.Version <= current {
			continue
		}

		log.Info("applying migration",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		err = func() error {
			if err := step.Action.Run(ctx, log, tx); err != nil {
				return err
			}
			// the version is a trusted integer, inlined to stay
			// placeholder-dialect agnostic
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+migration.Table+` (version) VALUES (`+strconv.Itoa(step.Version)+`)`)
			return Error.Wrap(err)
		}()
		if err != nil {
			return errs.Combine(err, Error.Wrap(tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+migration.Table+` (version INTEGER NOT NULL PRIMARY KEY)`)
	return Error.Wrap(err)
}

func (migration *Migration) currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}
