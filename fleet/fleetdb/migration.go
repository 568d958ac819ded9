// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package fleetdb

import (
	"context"

	"gitfleet.io/gitfleet/private/migrate"
)

// MigrateToLatest applies all pending migrations.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.Migration().Run(ctx, db.log.Named("migrate"), db.db)
}

// Migration returns the schema migration steps.
func (db *DB) Migration() *migrate.Migration {
	serial := "INTEGER PRIMARY KEY"
	blob := "BLOB"
	if db.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}

	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Version:     1,
				Description: "initial schema",
				Action: migrate.SQL{
					`CREATE TABLE deployments (
						id TEXT NOT NULL PRIMARY KEY,
						repository TEXT NOT NULL,
						branch TEXT NOT NULL,
						commit_hash TEXT NOT NULL,
						status TEXT NOT NULL,
						priority INTEGER NOT NULL DEFAULT 1,
						requested_by TEXT NOT NULL DEFAULT '',
						requested_at TIMESTAMP NOT NULL,
						started_at TIMESTAMP,
						completed_at TIMESTAMP,
						retry_count INTEGER NOT NULL DEFAULT 0,
						max_retries INTEGER NOT NULL DEFAULT 3,
						backup_ref TEXT NOT NULL DEFAULT '',
						error_kind TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						original_deployment_id TEXT,
						rollback_id TEXT,
						parameters TEXT NOT NULL DEFAULT '{}',
						correlation_id TEXT NOT NULL DEFAULT '',
						claimed_by TEXT NOT NULL DEFAULT '',
						cancel_requested INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE TABLE deployment_logs (
						id ` + serial + `,
						deployment_id TEXT NOT NULL REFERENCES deployments (id) ON DELETE CASCADE,
						level TEXT NOT NULL,
						channel TEXT NOT NULL,
						message TEXT NOT NULL,
						timestamp TIMESTAMP NOT NULL,
						metadata TEXT NOT NULL DEFAULT '{}'
					)`,
					`CREATE TABLE deployment_files (
						deployment_id TEXT NOT NULL REFERENCES deployments (id) ON DELETE CASCADE,
						path TEXT NOT NULL,
						op TEXT NOT NULL,
						size INTEGER NOT NULL DEFAULT 0,
						hash TEXT NOT NULL DEFAULT '',
						backup_path TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL DEFAULT 'pending',
						error_message TEXT NOT NULL DEFAULT '',
						seq INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (deployment_id, path, op)
					)`,
					`CREATE TABLE pipeline_runs (
						repository TEXT NOT NULL,
						run_id TEXT NOT NULL,
						branch TEXT NOT NULL DEFAULT '',
						workflow_name TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL,
						conclusion TEXT NOT NULL DEFAULT '',
						started_at TIMESTAMP,
						completed_at TIMESTAMP,
						commit_hash TEXT NOT NULL DEFAULT '',
						actor TEXT NOT NULL DEFAULT '',
						jobs TEXT NOT NULL DEFAULT '[]',
						steps TEXT NOT NULL DEFAULT '[]',
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY (repository, run_id)
					)`,
					`CREATE TABLE metric_points (
						id ` + serial + `,
						kind TEXT NOT NULL,
						entity TEXT NOT NULL,
						timestamp TIMESTAMP NOT NULL,
						value DOUBLE PRECISION NOT NULL,
						unit TEXT NOT NULL DEFAULT '',
						tags TEXT NOT NULL DEFAULT '{}'
					)`,
					`CREATE TABLE metric_aggregates (
						kind TEXT NOT NULL,
						entity TEXT NOT NULL,
						interval TEXT NOT NULL,
						bucket_start TIMESTAMP NOT NULL,
						count INTEGER NOT NULL,
						sum DOUBLE PRECISION NOT NULL,
						avg DOUBLE PRECISION NOT NULL,
						min DOUBLE PRECISION NOT NULL,
						max DOUBLE PRECISION NOT NULL,
						median DOUBLE PRECISION NOT NULL,
						p95 DOUBLE PRECISION NOT NULL,
						p99 DOUBLE PRECISION NOT NULL,
						PRIMARY KEY (kind, entity, interval, bucket_start)
					)`,
					`CREATE TABLE users (
						id TEXT NOT NULL PRIMARY KEY,
						username TEXT NOT NULL UNIQUE,
						email TEXT NOT NULL UNIQUE,
						password_hash ` + blob + ` NOT NULL,
						role TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						last_login TIMESTAMP
					)`,
					`CREATE TABLE sessions (
						id TEXT NOT NULL PRIMARY KEY,
						user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
						token_hash ` + blob + ` NOT NULL UNIQUE,
						created_at TIMESTAMP NOT NULL,
						expires_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE api_keys (
						id TEXT NOT NULL PRIMARY KEY,
						user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
						name TEXT NOT NULL,
						hash ` + blob + ` NOT NULL UNIQUE,
						role TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						last_used TIMESTAMP
					)`,
				},
			},
			{
				Version:     2,
				Description: "query indexes",
				Action: migrate.SQL{
					`CREATE INDEX idx_deployments_status_requested ON deployments (status, requested_at)`,
					`CREATE INDEX idx_deployments_repo_requested ON deployments (repository, requested_at)`,
					`CREATE INDEX idx_deployment_logs_deployment ON deployment_logs (deployment_id)`,
					`CREATE INDEX idx_metric_points_kind_entity_ts ON metric_points (kind, entity, timestamp)`,
					`CREATE INDEX idx_sessions_user ON sessions (user_id)`,
					`CREATE INDEX idx_pipeline_runs_status ON pipeline_runs (status)`,
				},
			},
		},
	}
}
