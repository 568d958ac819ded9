// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/faults"
)

var mon = monkit.Package()

// Config configures the deployment engine.
type Config struct {
	Workers       int           `help:"concurrent in-progress deployments" default:"4"`
	QueueInterval time.Duration `help:"how often the queue is scanned for claimable work" default:"1s"`
	MaxRetries    int           `help:"retries for the retryable steps" default:"3"`

	Share        string   `help:"remote file share holding the destination" default:"main"`
	Root         string   `help:"destination root on the share" default:"config"`
	DeployPaths  []string `help:"repository paths deployed when the request names none" default:"configuration.yaml"`
	MaxFileBytes int64    `help:"maximum size of a single deployed file" default:"10485760"`

	AllowedPlatforms []string `help:"platform values admitted in deployed configuration" default:"homeassistant,esphome,zigbee2mqtt"`

	VerifyURL      string        `help:"downstream health endpoint polled after apply"`
	VerifyBody     string        `help:"substring the health body must contain; empty accepts any 200"`
	VerifyAttempts int           `help:"health poll attempts before rollback" default:"30"`
	VerifyInterval time.Duration `help:"wait between health polls" default:"10s"`

	BackupRetentionDays int           `help:"days to keep backups" default:"7"`
	RetentionDays       int           `help:"days to keep terminal deployments" default:"30"`
	CleanupInterval     time.Duration `help:"how often retention runs" default:"24h"`
}

// Announcer pushes deployment events to subscribers. Rooms are named
// "repo:<repository>".
type Announcer interface {
	Announce(room string, payload interface{})
}

// Event is the payload pushed on deployment state changes.
type Event struct {
	Kind         string    `json:"kind"`
	DeploymentID string    `json:"deploymentId"`
	Repository   string    `json:"repository"`
	Branch       string    `json:"branch"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	At           time.Time `json:"at"`
}

// Service owns the deployment queue: admission, cancellation and rollback
// requests. The Worker executes what the service enqueues.
type Service struct {
	log       *zap.Logger
	db        DB
	clock     clocks.Clock
	idgen     clocks.IDGen
	announcer Announcer
	config    Config
}

// NewService creates a deployment service.
func NewService(log *zap.Logger, db DB, clock clocks.Clock, idgen clocks.IDGen, announcer Announcer, config Config) *Service {
	return &Service{
		log:       log,
		db:        db,
		clock:     clock,
		idgen:     idgen,
		announcer: announcer,
		config:    config,
	}
}

// Request describes an admission request for a new deployment.
type Request struct {
	Repository    string
	Branch        string
	Commit        string
	Priority      string
	RequestedBy   string
	Parameters    map[string]string
	CorrelationID string
}

// Create validates and enqueues a deployment.
func (service *Service) Create(ctx context.Context, req Request) (_ *Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Repository == "" || !strings.Contains(req.Repository, "/") {
		return nil, faults.New(faults.Validation, "repository must be owner/name, got %q", req.Repository)
	}
	if req.Branch == "" {
		return nil, faults.New(faults.Validation, "branch is required")
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, faults.New(faults.Validation, "unknown priority %q", req.Priority)
	}

	deployment := &Deployment{
		ID:            service.idgen.NewID(),
		Repository:    req.Repository,
		Branch:        req.Branch,
		Commit:        req.Commit,
		Status:        StatusQueued,
		Priority:      priority,
		RequestedBy:   req.RequestedBy,
		RequestedAt:   service.clock.Now().UTC(),
		MaxRetries:    service.config.MaxRetries,
		Parameters:    req.Parameters,
		CorrelationID: req.CorrelationID,
	}
	if err := service.db.Create(ctx, deployment); err != nil {
		return nil, err
	}
	service.log.Info("deployment queued",
		zap.Stringer("id", deployment.ID),
		zap.String("repository", deployment.Repository),
		zap.String("branch", deployment.Branch),
		zap.Stringer("priority", deployment.Priority))
	service.announce("deployment:queued", deployment)
	return deployment, nil
}

// Get returns a deployment by id.
func (service *Service) Get(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	deployment, err := service.db.Get(ctx, id)
	if ErrNotFound.Has(err) {
		return nil, faults.Wrap(faults.NotFound, err)
	}
	return deployment, err
}

// Cancel cancels a deployment. Queued rows transition directly to
// cancelled; in-progress rows get a flag the worker honors between steps.
// Cancelling an already cancelled deployment is a no-op.
func (service *Service) Cancel(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	deployment, err := service.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case deployment.Status == StatusQueued || deployment.Status == StatusCancelled:
		cancelled, err := service.db.CancelQueued(ctx, id, service.clock.Now())
		if err != nil {
			return err
		}
		if cancelled && deployment.Status == StatusQueued {
			deployment.Status = StatusCancelled
			service.announce("deployment:cancelled", deployment)
		}
		return nil
	case deployment.Status == StatusInProgress:
		return service.db.RequestCancel(ctx, id)
	default:
		return faults.New(faults.Conflict, "deployment %s is already %s", id, deployment.Status)
	}
}

// Rollback enqueues a new deployment that restores the backup taken by a
// terminal deployment. The original row is annotated with the rollback id.
func (service *Service) Rollback(ctx context.Context, id uuid.UUID, requestedBy string) (_ *Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	original, err := service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !original.Status.Terminal() {
		return nil, faults.New(faults.Conflict, "deployment %s is still %s", id, original.Status)
	}
	if original.BackupRef == "" {
		return nil, faults.New(faults.Conflict, "deployment %s has no backup to restore", id)
	}

	originalID := original.ID
	rollback := &Deployment{
		ID:                   service.idgen.NewID(),
		Repository:           original.Repository,
		Branch:               original.Branch,
		Commit:               original.Commit,
		Status:               StatusQueued,
		Priority:             PriorityHigh,
		RequestedBy:          requestedBy,
		RequestedAt:          service.clock.Now().UTC(),
		MaxRetries:           service.config.MaxRetries,
		BackupRef:            original.BackupRef,
		OriginalDeploymentID: &originalID,
		CorrelationID:        original.CorrelationID,
	}
	if err := service.db.Create(ctx, rollback); err != nil {
		return nil, err
	}
	if err := service.db.AnnotateRollback(ctx, original.ID, rollback.ID); err != nil {
		return nil, err
	}
	service.announce("deployment:rollback-requested", rollback)
	return rollback, nil
}

// List returns deployments for a repository, newest first.
func (service *Service) List(ctx context.Context, repository string, limit, offset int) ([]*Deployment, error) {
	return service.db.List(ctx, repository, limit, offset)
}

// Cleanup purges terminal deployments past retention.
func (service *Service) Cleanup(ctx context.Context) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := service.clock.Now().AddDate(0, 0, -service.config.RetentionDays)
	return service.db.Cleanup(ctx, cutoff)
}

func (service *Service) announce(kind string, deployment *Deployment) {
	if service.announcer == nil {
		return
	}
	service.announcer.Announce("repo:"+deployment.Repository, Event{
		Kind:         kind,
		DeploymentID: deployment.ID.String(),
		Repository:   deployment.Repository,
		Branch:       deployment.Branch,
		Status:       string(deployment.Status),
		ErrorKind:    deployment.ErrorKind,
		At:           service.clock.Now().UTC(),
	})
}
