// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package fleetdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/pipeline"
)

type pipelineRunsDB struct {
	*DB
}

const pipelineRunColumns = `repository, run_id, branch, workflow_name, status, conclusion,
	started_at, completed_at, commit_hash, actor, jobs, steps`

// Upsert stores the latest snapshot of a run, dropping regressions.
func (db *pipelineRunsDB) Upsert(ctx context.Context, run *pipeline.Run) (_ *pipeline.Run, err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := db.Get(ctx, run.Repository, run.RunID)
	if err != nil && !pipeline.ErrNotFound.Has(err) {
		return nil, err
	}
	if existing != nil && existing.Status.Regresses(run.Status) {
		// the host reported an earlier state than the cached one
		return existing, nil
	}

	jobs, err := json.Marshal(run.Jobs)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}

	if existing == nil {
		_, err = db.exec(ctx, `
			INSERT INTO pipeline_runs (`+pipelineRunColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.Repository, run.RunID, run.Branch, run.WorkflowName,
			string(run.Status), run.Conclusion,
			nullTime(run.StartedAt), nullTime(run.CompletedAt),
			run.Commit, run.Actor, string(jobs), string(steps), time.Now().UTC())
	} else {
		_, err = db.exec(ctx, `
			UPDATE pipeline_runs
			SET branch = ?, workflow_name = ?, status = ?, conclusion = ?,
			    started_at = ?, completed_at = ?, commit_hash = ?, actor = ?,
			    jobs = ?, steps = ?, updated_at = ?
			WHERE repository = ? AND run_id = ?`,
			run.Branch, run.WorkflowName, string(run.Status), run.Conclusion,
			nullTime(run.StartedAt), nullTime(run.CompletedAt),
			run.Commit, run.Actor, string(jobs), string(steps), time.Now().UTC(),
			run.Repository, run.RunID)
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return run, nil
}

// Get returns the latest snapshot for a run id.
func (db *pipelineRunsDB) Get(ctx context.Context, repository, runID string) (_ *pipeline.Run, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.queryRow(ctx, `
		SELECT `+pipelineRunColumns+` FROM pipeline_runs
		WHERE repository = ? AND run_id = ?`, repository, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrNotFound.New("%s/%s", repository, runID)
	}
	return run, ErrDatabase.Wrap(err)
}

// List returns run snapshots, newest first.
func (db *pipelineRunsDB) List(ctx context.Context, repository string, limit, offset int) (_ []*pipeline.Run, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + pipelineRunColumns + ` FROM pipeline_runs
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args := []interface{}{limit, offset}
	if repository != "" {
		query = `
			SELECT ` + pipelineRunColumns + ` FROM pipeline_runs
			WHERE repository = ?
			ORDER BY updated_at DESC LIMIT ? OFFSET ?`
		args = []interface{}{repository, limit, offset}
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return scanRuns(rows)
}

// ListUnfinished returns runs not yet terminal.
func (db *pipelineRunsDB) ListUnfinished(ctx context.Context, limit int) (_ []*pipeline.Run, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := db.query(ctx, `
		SELECT `+pipelineRunColumns+` FROM pipeline_runs
		WHERE status IN ('pending', 'running')
		ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return scanRuns(rows)
}

// Cleanup deletes terminal runs completed before the given time.
func (db *pipelineRunsDB) Cleanup(ctx context.Context, olderThan time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `
		DELETE FROM pipeline_runs
		WHERE status IN ('success', 'failure', 'cancelled')
		  AND completed_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, ErrDatabase.Wrap(err)
}

func scanRun(row scanner) (*pipeline.Run, error) {
	var (
		run                    pipeline.Run
		status                 string
		startedAt, completedAt sql.NullTime
		jobs, steps            string
	)
	err := row.Scan(
		&run.Repository, &run.RunID, &run.Branch, &run.WorkflowName,
		&status, &run.Conclusion,
		&startedAt, &completedAt,
		&run.Commit, &run.Actor, &jobs, &steps,
	)
	if err != nil {
		return nil, err
	}
	run.Status = pipeline.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(jobs), &run.Jobs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) (runs []*pipeline.Run, err error) {
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
