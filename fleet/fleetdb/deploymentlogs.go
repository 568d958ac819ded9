// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package fleetdb

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/deploy"
)

type deploymentLogsDB struct {
	*DB
}

// Append stores a log entry.
func (db *deploymentLogsDB) Append(ctx context.Context, entry deploy.LogEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	metadata, err := json.Marshal(orEmpty(entry.Metadata))
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	_, err = db.exec(ctx, `
		INSERT INTO deployment_logs (deployment_id, level, channel, message, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.DeploymentID.String(), string(entry.Level), string(entry.Channel),
		entry.Message, entry.Timestamp.UTC(), string(metadata))
	return ErrDatabase.Wrap(err)
}

// ListByDeployment returns log entries in append order.
func (db *deploymentLogsDB) ListByDeployment(ctx context.Context, id uuid.UUID, limit, offset int) (entries []deploy.LogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 200
	}
	rows, err := db.query(ctx, `
		SELECT deployment_id, level, channel, message, timestamp, metadata
		FROM deployment_logs
		WHERE deployment_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?`, id.String(), limit, offset)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()

	for rows.Next() {
		var (
			entry                   deploy.LogEntry
			idText, level, channel  string
			metadata                string
		)
		if err := rows.Scan(&idText, &level, &channel, &entry.Message, &entry.Timestamp, &metadata); err != nil {
			return nil, err
		}
		if entry.DeploymentID, err = uuid.Parse(idText); err != nil {
			return nil, err
		}
		entry.Level = deploy.LogLevel(level)
		entry.Channel = deploy.LogChannel(channel)
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type deploymentFilesDB struct {
	*DB
}

// Add inserts a file row, replacing duplicates on (deployment, path, op).
func (db *deploymentFilesDB) Add(ctx context.Context, entry deploy.FileEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	if entry.Status == "" {
		entry.Status = deploy.FilePending
	}

	var seq int
	err = db.queryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM deployment_files WHERE deployment_id = ?`,
		entry.DeploymentID.String()).Scan(&seq)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}

	if _, err := db.exec(ctx, `
		DELETE FROM deployment_files WHERE deployment_id = ? AND path = ? AND op = ?`,
		entry.DeploymentID.String(), entry.Path, string(entry.Op)); err != nil {
		return ErrDatabase.Wrap(err)
	}
	_, err = db.exec(ctx, `
		INSERT INTO deployment_files (deployment_id, path, op, size, hash, backup_path, status, error_message, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.DeploymentID.String(), entry.Path, string(entry.Op),
		entry.Size, entry.Hash, entry.BackupPath, string(entry.Status), entry.ErrorMessage, seq)
	return ErrDatabase.Wrap(err)
}

// SetStatus advances a file row to ok or error.
func (db *deploymentFilesDB) SetStatus(ctx context.Context, id uuid.UUID, path string, op deploy.FileOp, status deploy.FileStatus, errorMessage string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `
		UPDATE deployment_files SET status = ?, error_message = ?
		WHERE deployment_id = ? AND path = ? AND op = ?`,
		string(status), errorMessage, id.String(), path, string(op))
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	if affected == 0 {
		return ErrDatabase.New("no file row for deployment %s path %q op %q", id, path, op)
	}
	return nil
}

// ListByDeployment returns file rows with backup rows first.
func (db *deploymentFilesDB) ListByDeployment(ctx context.Context, id uuid.UUID) (files []deploy.FileEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	// backup rows precede mutating rows for the same deployment
	rows, err := db.query(ctx, `
		SELECT deployment_id, path, op, size, hash, backup_path, status, error_message
		FROM deployment_files
		WHERE deployment_id = ?
		ORDER BY CASE WHEN op = 'backup' THEN 0 ELSE 1 END, seq ASC`, id.String())
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()

	for rows.Next() {
		var (
			entry              deploy.FileEntry
			idText, op, status string
		)
		if err := rows.Scan(&idText, &entry.Path, &op, &entry.Size, &entry.Hash,
			&entry.BackupPath, &status, &entry.ErrorMessage); err != nil {
			return nil, err
		}
		if entry.DeploymentID, err = uuid.Parse(idText); err != nil {
			return nil, err
		}
		entry.Op = deploy.FileOp(op)
		entry.Status = deploy.FileStatus(status)
		files = append(files, entry)
	}
	return files, rows.Err()
}
