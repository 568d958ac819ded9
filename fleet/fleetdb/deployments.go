// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package fleetdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/deploy"
)

type deploymentsDB struct {
	*DB
}

const deploymentColumns = `id, repository, branch, commit_hash, status, priority,
	requested_by, requested_at, started_at, completed_at,
	retry_count, max_retries, backup_ref, error_kind, error_message,
	original_deployment_id, rollback_id, parameters, correlation_id,
	claimed_by, cancel_requested`

// Create inserts a deployment in queued state.
func (db *deploymentsDB) Create(ctx context.Context, deployment *deploy.Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	if deployment.Status == "" {
		deployment.Status = deploy.StatusQueued
	}
	params, err := json.Marshal(orEmpty(deployment.Parameters))
	if err != nil {
		return ErrDatabase.Wrap(err)
	}

	_, err = db.exec(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deployment.ID.String(), deployment.Repository, deployment.Branch, deployment.Commit,
		string(deployment.Status), int(deployment.Priority),
		deployment.RequestedBy, deployment.RequestedAt.UTC(),
		nullTime(deployment.StartedAt), nullTime(deployment.CompletedAt),
		deployment.RetryCount, deployment.MaxRetries,
		deployment.BackupRef, deployment.ErrorKind, deployment.ErrorMessage,
		nullUUID(deployment.OriginalDeploymentID), nullUUID(deployment.RollbackID),
		string(params), deployment.CorrelationID,
		deployment.ClaimedBy, boolToInt(deployment.CancelRequested),
	)
	return ErrDatabase.Wrap(err)
}

// Get returns a deployment by id.
func (db *deploymentsDB) Get(ctx context.Context, id uuid.UUID) (_ *deploy.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.queryRow(ctx, `
		SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id.String())
	deployment, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deploy.ErrNotFound.New("%s", id)
	}
	return deployment, ErrDatabase.Wrap(err)
}

// ClaimNext atomically promotes the best claimable queued deployment.
func (db *deploymentsDB) ClaimNext(ctx context.Context, workerID string, now time.Time) (_ *deploy.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		row := db.queryRow(ctx, `
			SELECT id FROM deployments d
			WHERE d.status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM deployments a
				WHERE a.status = 'in-progress'
				  AND a.repository = d.repository
				  AND a.branch = d.branch
			  )
			ORDER BY d.priority DESC, d.requested_at ASC, d.id ASC
			LIMIT 1`)

		var idText string
		if err := row.Scan(&idText); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, deploy.ErrEmptyQueue.New("")
			}
			return nil, ErrDatabase.Wrap(err)
		}

		// The exclusivity guard is repeated here so two workers racing
		// on rows for the same (repository, branch) cannot both win.
		result, err := db.exec(ctx, `
			UPDATE deployments
			SET status = 'in-progress', started_at = ?, claimed_by = ?
			WHERE id = ? AND status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM deployments a
				WHERE a.status = 'in-progress'
				  AND a.repository = deployments.repository
				  AND a.branch = deployments.branch
			  )`,
			now.UTC(), workerID, idText)
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		if affected == 0 {
			// lost the compare-and-swap, another worker won; retry
			continue
		}

		id, err := uuid.Parse(idText)
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		return db.Get(ctx, id)
	}
}

// Finalize moves an in-progress deployment to a terminal status.
func (db *deploymentsDB) Finalize(ctx context.Context, id uuid.UUID, update deploy.TerminalUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !update.Status.Terminal() {
		return ErrDatabase.New("finalize to non-terminal status %q", update.Status)
	}

	result, err := db.exec(ctx, `
		UPDATE deployments
		SET status = ?, completed_at = ?, error_kind = ?, error_message = ?
		WHERE id = ? AND status = 'in-progress'`,
		string(update.Status), update.CompletedAt.UTC(),
		update.ErrorKind, update.ErrorMessage, id.String())
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	if affected == 0 {
		if _, err := db.Get(ctx, id); err != nil {
			return err
		}
		return deploy.ErrConflict.New("deployment %s is not in-progress", id)
	}
	return nil
}

// CancelQueued transitions a queued deployment directly to cancelled.
func (db *deploymentsDB) CancelQueued(ctx context.Context, id uuid.UUID, now time.Time) (cancelled bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `
		UPDATE deployments
		SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status = 'queued'`,
		now.UTC(), id.String())
	if err != nil {
		return false, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, ErrDatabase.Wrap(err)
	}
	if affected == 1 {
		return true, nil
	}

	deployment, err := db.Get(ctx, id)
	if err != nil {
		return false, err
	}
	// repeated cancels are idempotent
	if deployment.Status == deploy.StatusCancelled {
		return true, nil
	}
	return false, nil
}

// RequestCancel sets the cancel flag on an in-progress deployment.
func (db *deploymentsDB) RequestCancel(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `
		UPDATE deployments SET cancel_requested = 1
		WHERE id = ? AND status = 'in-progress'`, id.String())
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	if affected == 0 {
		return deploy.ErrConflict.New("deployment %s is not in-progress", id)
	}
	return nil
}

// SetBackupRef records the backup snapshot reference.
func (db *deploymentsDB) SetBackupRef(ctx context.Context, id uuid.UUID, backupRef string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `
		UPDATE deployments SET backup_ref = ?
		WHERE id = ? AND status = 'in-progress'`, backupRef, id.String())
	return ErrDatabase.Wrap(err)
}

// SetRetryCount records the number of retries spent so far.
func (db *deploymentsDB) SetRetryCount(ctx context.Context, id uuid.UUID, count int) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `
		UPDATE deployments SET retry_count = ?
		WHERE id = ? AND status = 'in-progress'`, count, id.String())
	return ErrDatabase.Wrap(err)
}

// AnnotateRollback records the rollback deployment created for a terminal row.
func (db *deploymentsDB) AnnotateRollback(ctx context.Context, id, rollbackID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.exec(ctx, `
		UPDATE deployments SET rollback_id = ? WHERE id = ?`,
		rollbackID.String(), id.String())
	return ErrDatabase.Wrap(err)
}

// List returns deployments for a repository, newest first.
func (db *deploymentsDB) List(ctx context.Context, repository string, limit, offset int) (_ []*deploy.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE repository = ?
		ORDER BY requested_at DESC
		LIMIT ? OFFSET ?`, repository, limit, offset)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return scanDeployments(rows)
}

// ListByStatus returns deployments in a given status, oldest first.
func (db *deploymentsDB) ListByStatus(ctx context.Context, status deploy.Status, limit, offset int) (_ []*deploy.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE status = ?
		ORDER BY requested_at ASC
		LIMIT ? OFFSET ?`, string(status), limit, offset)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return scanDeployments(rows)
}

// QueueCounts returns queue depth counters.
func (db *deploymentsDB) QueueCounts(ctx context.Context) (queued, inProgress, terminal int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.queryRow(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'queued' THEN 1 END),
			COUNT(CASE WHEN status = 'in-progress' THEN 1 END),
			COUNT(CASE WHEN status IN ('completed', 'failed', 'rolled-back', 'cancelled') THEN 1 END)
		FROM deployments`).Scan(&queued, &inProgress, &terminal)
	return queued, inProgress, terminal, ErrDatabase.Wrap(err)
}

// Cleanup deletes terminal deployments older than the given time.
func (db *deploymentsDB) Cleanup(ctx context.Context, olderThan time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `
		DELETE FROM deployments
		WHERE status IN ('completed', 'failed', 'rolled-back', 'cancelled')
		  AND completed_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, ErrDatabase.Wrap(err)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row scanner) (*deploy.Deployment, error) {
	var (
		deployment                      deploy.Deployment
		idText, status                  string
		priority                        int
		startedAt, completedAt          sql.NullTime
		originalID, rollbackID          sql.NullString
		params                          string
		cancelRequested                 int
	)
	err := row.Scan(
		&idText, &deployment.Repository, &deployment.Branch, &deployment.Commit,
		&status, &priority,
		&deployment.RequestedBy, &deployment.RequestedAt,
		&startedAt, &completedAt,
		&deployment.RetryCount, &deployment.MaxRetries,
		&deployment.BackupRef, &deployment.ErrorKind, &deployment.ErrorMessage,
		&originalID, &rollbackID,
		&params, &deployment.CorrelationID,
		&deployment.ClaimedBy, &cancelRequested,
	)
	if err != nil {
		return nil, err
	}

	deployment.ID, err = uuid.Parse(idText)
	if err != nil {
		return nil, err
	}
	deployment.Status = deploy.Status(status)
	deployment.Priority = deploy.Priority(priority)
	deployment.CancelRequested = cancelRequested != 0
	if startedAt.Valid {
		t := startedAt.Time
		deployment.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		deployment.CompletedAt = &t
	}
	if deployment.OriginalDeploymentID, err = parseNullUUID(originalID); err != nil {
		return nil, err
	}
	if deployment.RollbackID, err = parseNullUUID(rollbackID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &deployment.Parameters); err != nil {
		return nil, err
	}
	return &deployment, nil
}

func scanDeployments(rows *sql.Rows) (deployments []*deploy.Deployment, err error) {
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, deployment)
	}
	return deployments, rows.Err()
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
