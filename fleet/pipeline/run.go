// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default pipeline errs class.
var Error = errs.Class("pipeline")

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errs.Class("pipeline run not found")

// RunStatus is the observed state of a pipeline run at the code host.
type RunStatus string

// Run statuses. Transitions are monotonic toward terminal; regressions
// reported by the host are dropped.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailure   RunStatus = "failure"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (status RunStatus) Terminal() bool {
	switch status {
	case RunSuccess, RunFailure, RunCancelled:
		return true
	}
	return false
}

// rank orders statuses so monotonicity can be enforced.
func (status RunStatus) rank() int {
	switch status {
	case RunPending:
		return 0
	case RunRunning:
		return 1
	default:
		return 2
	}
}

// Regresses reports whether moving to next would move backwards.
func (status RunStatus) Regresses(next RunStatus) bool {
	if status.Terminal() {
		return status != next
	}
	return next.rank() < status.rank()
}

// Job is a single job within a run, as reported by the host.
type Job struct {
	Name        string
	Status      RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Step is a single step within a job.
type Step struct {
	Job    string
	Name   string
	Number int
	Status RunStatus
}

// Run is the snapshot of one workflow execution at the code host. The host
// executes it; we only observe.
type Run struct {
	ID           int64
	Repository   string
	Branch       string
	WorkflowName string
	RunID        string

	Status     RunStatus
	Conclusion string

	StartedAt   *time.Time
	CompletedAt *time.Time

	Commit string
	Actor  string

	Jobs  []Job
	Steps []Step
}

// Duration returns completedAt − startedAt when both are set.
func (run *Run) Duration() (time.Duration, bool) {
	if run.StartedAt == nil || run.CompletedAt == nil {
		return 0, false
	}
	return run.CompletedAt.Sub(*run.StartedAt), true
}

// DB is the persistent store for pipeline runs.
type DB interface {
	// Upsert stores the latest snapshot of a run keyed by (repository,
	// runID). Status updates that would regress are dropped and the
	// stored snapshot is returned unchanged.
	Upsert(ctx context.Context, run *Run) (*Run, error)

	// Get returns the latest snapshot for a run id or ErrNotFound.
	Get(ctx context.Context, repository, runID string) (*Run, error)

	// List returns run snapshots for a repository, newest first. An empty
	// repository lists across all repositories.
	List(ctx context.Context, repository string, limit, offset int) ([]*Run, error)

	// ListUnfinished returns runs not yet in a terminal status.
	ListUnfinished(ctx context.Context, limit int) ([]*Run, error)

	// Cleanup deletes terminal runs completed before the given time and
	// returns the number deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
