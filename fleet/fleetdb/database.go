// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package fleetdb implements the persistent store over sqlite or postgres.
package fleetdb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"           // registers the postgres driver.
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/metrics"
	"gitfleet.io/gitfleet/fleet/pipeline"
)

var (
	mon = monkit.Package()

	// ErrDatabase represents errors from the database.
	ErrDatabase = errs.Class("fleetdb")
)

// Config configures the persistent store.
type Config struct {
	URL string `help:"database url (sqlite3://file or postgres://...)" default:"sqlite3://gitfleet.db"`

	MaxOpenConns int `help:"maximum open database connections" default:"25"`
}

// Dialect is the SQL dialect in use.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// DB gives access to the per-entity stores sharing one SQL handle.
type DB struct {
	log     *zap.Logger
	db      *sql.DB
	dialect Dialect

	deployments *deploymentsDB
	logs        *deploymentLogsDB
	files       *deploymentFilesDB
	runs        *pipelineRunsDB
	metrics     *metricsDB
	users       *usersDB
	sessions    *sessionsDB
	apikeys     *apiKeysDB
}

// Open opens the database at the configured URL. Call MigrateToLatest before
// using any of the stores.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	dialect, source, err := parseURL(config.URL)
	if err != nil {
		return nil, err
	}

	handle, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if dialect == SQLite {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent workers.
		handle.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		handle.SetMaxOpenConns(config.MaxOpenConns)
	}

	if err := handle.PingContext(ctx); err != nil {
		return nil, ErrDatabase.Wrap(errs.Combine(err, handle.Close()))
	}

	db := &DB{log: log, db: handle, dialect: dialect}
	db.deployments = &deploymentsDB{db}
	db.logs = &deploymentLogsDB{db}
	db.files = &deploymentFilesDB{db}
	db.runs = &pipelineRunsDB{db}
	db.metrics = &metricsDB{db}
	db.users = &usersDB{db}
	db.sessions = &sessionsDB{db}
	db.apikeys = &apiKeysDB{db}
	return db, nil
}

func parseURL(url string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(url, "sqlite3://"):
		source := strings.TrimPrefix(url, "sqlite3://")
		if !strings.Contains(source, "?") {
			// enforce cascades and UTC timestamps
			source += "?_foreign_keys=on&_loc=UTC"
		}
		return SQLite, source, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url, nil
	}
	return "", "", ErrDatabase.New("unsupported database url %q", url)
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return ErrDatabase.Wrap(db.db.Close())
}

// Deployments returns the deployment store.
func (db *DB) Deployments() deploy.DB { return db.deployments }

// DeploymentLogs returns the deployment log store.
func (db *DB) DeploymentLogs() deploy.Logs { return db.logs }

// DeploymentFiles returns the deployment file store.
func (db *DB) DeploymentFiles() deploy.Files { return db.files }

// PipelineRuns returns the pipeline run store.
func (db *DB) PipelineRuns() pipeline.DB { return db.runs }

// Metrics returns the metrics store.
func (db *DB) Metrics() metrics.DB { return db.metrics }

// Users returns the console user store.
func (db *DB) Users() console.Users { return db.users }

// Sessions returns the console session store.
func (db *DB) Sessions() console.Sessions { return db.sessions }

// APIKeys returns the console api key store.
func (db *DB) APIKeys() console.APIKeys { return db.apikeys }

// Health describes store health for the health endpoint.
type Health struct {
	Reachable  bool  `json:"reachable"`
	Queued     int64 `json:"queued"`
	InProgress int64 `json:"inProgress"`
	Terminal   int64 `json:"terminal"`
}

// HealthCheck pings the database and reports deployment queue depths.
func (db *DB) HealthCheck(ctx context.Context) (health Health, err error) {
	defer mon.Task()(&ctx)(&err)

	var one int
	if err := db.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return Health{}, ErrDatabase.Wrap(err)
	}
	health.Reachable = true

	health.Queued, health.InProgress, health.Terminal, err = db.deployments.QueueCounts(ctx)
	if err != nil {
		return Health{}, err
	}
	return health, nil
}

// rebind converts ? placeholders to the dialect's native form.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, db.rebind(query), args...)
}
