// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the default deploy errs class.
var Error = errs.Class("deploy")

// ErrEmptyQueue is returned by ClaimNext when no deployment can be claimed.
var ErrEmptyQueue = errs.Class("deployment queue empty")

// ErrNotFound is returned when a deployment does not exist.
var ErrNotFound = errs.Class("deployment not found")

// ErrConflict is returned when a state transition loses a compare-and-swap.
var ErrConflict = errs.Class("deployment conflict")

// Status is the lifecycle state of a deployment.
type Status string

// The deployment states.
const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal rows are write-once
// except for the rollback annotation.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// Priority decides claim order within the queue.
type Priority int

// Priorities in ascending claim order.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// ParsePriority parses the wire form of a priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, Error.New("unknown priority %q", s)
}

// String returns the wire form of the priority.
func (priority Priority) String() string {
	switch priority {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// Deployment is a single attempt to bring a repository's committed state to
// a downstream destination.
type Deployment struct {
	ID         uuid.UUID
	Repository string
	Branch     string
	Commit     string

	Status   Status
	Priority Priority

	RequestedBy string
	RequestedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	RetryCount int
	MaxRetries int

	BackupRef    string
	ErrorKind    string
	ErrorMessage string

	OriginalDeploymentID *uuid.UUID
	RollbackID           *uuid.UUID

	Parameters    map[string]string
	CorrelationID string

	ClaimedBy       string
	CancelRequested bool
}

// DisplayID returns the human readable timestamped form. The UUID is
// canonical; this form is display-only.
func (deployment *Deployment) DisplayID() string {
	return "deploy-" + deployment.RequestedAt.UTC().Format("20060102-150405")
}

// TerminalUpdate carries the fields stamped when a deployment leaves
// in-progress.
type TerminalUpdate struct {
	Status       Status
	CompletedAt  time.Time
	ErrorKind    string
	ErrorMessage string
}

// DB is the persistent store for deployments.
//
// Transitions for a single row are linearizable: claim and terminal updates
// are compare-and-swap on status.
type DB interface {
	// Create inserts a deployment in queued state.
	Create(ctx context.Context, deployment *Deployment) error

	// Get returns a deployment by id or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Deployment, error)

	// ClaimNext atomically promotes the best claimable queued deployment
	// to in-progress, stamping startedAt and the claiming worker. A row
	// is claimable when no deployment for its (repository, branch) pair
	// is in-progress. Order: priority descending, then requestedAt
	// ascending. Returns ErrEmptyQueue when nothing can be claimed.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Deployment, error)

	// Finalize moves an in-progress deployment to a terminal status.
	// Returns ErrConflict when the row is not in-progress anymore.
	Finalize(ctx context.Context, id uuid.UUID, update TerminalUpdate) error

	// CancelQueued transitions a queued deployment directly to cancelled.
	// Cancelling an already cancelled deployment is a no-op; cancelling a
	// row in another terminal state is ErrConflict.
	CancelQueued(ctx context.Context, id uuid.UUID, now time.Time) (cancelled bool, err error)

	// RequestCancel sets the cancel flag on an in-progress deployment.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// SetBackupRef records the backup snapshot reference.
	SetBackupRef(ctx context.Context, id uuid.UUID, backupRef string) error

	// SetRetryCount records the number of retries spent so far.
	SetRetryCount(ctx context.Context, id uuid.UUID, count int) error

	// AnnotateRollback records the id of the rollback deployment created
	// for a terminal row. This is the only write allowed on terminal rows.
	AnnotateRollback(ctx context.Context, id, rollbackID uuid.UUID) error

	// List returns deployments for a repository, newest first.
	List(ctx context.Context, repository string, limit, offset int) ([]*Deployment, error)

	// ListByStatus returns deployments in a given status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Deployment, error)

	// QueueCounts returns the number of queued, in-progress and terminal
	// deployments.
	QueueCounts(ctx context.Context) (queued, inProgress, terminal int64, err error)

	// Cleanup deletes terminal deployments older than the given time,
	// cascading logs and file rows. Returns the number of deleted
	// deployments.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
