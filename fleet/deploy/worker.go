// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/metrics"
	"gitfleet.io/gitfleet/fleet/remotefs"
)

// Worker executes queued deployments. A fixed pool of goroutines claims
// work from the queue; per (repository, branch) exclusivity is enforced by
// the claim query, the pool only bounds global concurrency.
type Worker struct {
	log       *zap.Logger
	db        DB
	logs      Logs
	files     Files
	fs        remotefs.FS
	resolver  *Resolver
	validator *Validator
	backups   *Backups
	verifier  *Verifier
	recorder  *metrics.Service
	announcer Announcer
	clock     clocks.Clock
	config    Config

	workerID string
}

// NewWorker creates a deployment worker pool.
func NewWorker(log *zap.Logger, db DB, logs Logs, files Files, fs remotefs.FS,
	resolver *Resolver, validator *Validator, backups *Backups, verifier *Verifier,
	recorder *metrics.Service, announcer Announcer, clock clocks.Clock, workerID string, config Config) *Worker {
	return &Worker{
		log:       log,
		db:        db,
		logs:      logs,
		files:     files,
		fs:        fs,
		resolver:  resolver,
		validator: validator,
		backups:   backups,
		verifier:  verifier,
		recorder:  recorder,
		announcer: announcer,
		clock:     clock,
		config:    config,
		workerID:  workerID,
	}
}

// Run starts the pool and blocks until ctx is done.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < worker.config.Workers; i++ {
		name := fmt.Sprintf("%s/%d", worker.workerID, i)
		group.Go(func() error {
			return worker.claimLoop(ctx, name)
		})
	}
	return group.Wait()
}

func (worker *Worker) claimLoop(ctx context.Context, name string) error {
	for {
		deployment, err := worker.db.ClaimNext(ctx, name, worker.clock.Now())
		switch {
		case err == nil:
			worker.Process(ctx, deployment)
			continue
		case ErrEmptyQueue.Has(err):
		default:
			worker.log.Error("claiming deployment failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(worker.config.QueueInterval):
		}
	}
}

// Process runs one claimed deployment through the step protocol.
func (worker *Worker) Process(ctx context.Context, deployment *Deployment) {
	log := worker.log.With(
		zap.Stringer("id", deployment.ID),
		zap.String("repository", deployment.Repository),
		zap.String("branch", deployment.Branch))
	log.Info("deployment claimed", zap.String("worker", deployment.ClaimedBy))
	worker.system(ctx, deployment, LevelInfo, "claimed by "+deployment.ClaimedBy, nil)
	worker.announce(deployment, "deployment:started", "")

	if deployment.OriginalDeploymentID != nil && deployment.BackupRef != "" {
		worker.processRestore(ctx, deployment, log)
		return
	}

	if worker.cancelled(ctx, deployment) {
		worker.finalize(ctx, deployment, StatusCancelled, nil, log)
		return
	}

	// resolve, backup and validate are the retryable steps; once apply
	// starts, failures route to rollback so the destination ends in a
	// known state
	changes, err := worker.resolveStep(ctx, deployment)
	if err != nil {
		worker.finalize(ctx, deployment, StatusFailed, err, log)
		return
	}

	if worker.cancelled(ctx, deployment) {
		worker.finalize(ctx, deployment, StatusCancelled, nil, log)
		return
	}

	if err := worker.backupStep(ctx, deployment); err != nil {
		worker.finalize(ctx, deployment, StatusFailed, err, log)
		return
	}

	if err := worker.validateStep(ctx, deployment, changes); err != nil {
		worker.finalize(ctx, deployment, StatusFailed, err, log)
		return
	}

	if worker.cancelled(ctx, deployment) {
		// nothing applied yet, cancel without rollback
		worker.finalize(ctx, deployment, StatusCancelled, nil, log)
		return
	}

	if err := worker.applyStep(ctx, deployment, changes); err != nil {
		worker.rollbackAndFinalize(ctx, deployment, err, log)
		return
	}
	worker.announce(deployment, "deployment:apply:ok", "")

	if worker.cancelled(ctx, deployment) {
		// applied already, restore first then mark cancelled
		worker.system(ctx, deployment, LevelWarn, "cancel requested after apply, rolling back", nil)
		if err := worker.rollbackStep(ctx, deployment); err != nil {
			worker.finalize(ctx, deployment, StatusFailed, err, log)
			return
		}
		worker.finalize(ctx, deployment, StatusCancelled, nil, log)
		return
	}

	if err := worker.verifyStep(ctx, deployment); err != nil {
		worker.announce(deployment, "deployment:verify:failed", string(faults.KindOf(err)))
		worker.rollbackAndFinalize(ctx, deployment, err, log)
		return
	}

	worker.finalize(ctx, deployment, StatusCompleted, nil, log)
}

// processRestore executes a rollback deployment: it restores the referenced
// backup instead of resolving and applying a change set.
func (worker *Worker) processRestore(ctx context.Context, deployment *Deployment, log *zap.Logger) {
	err := worker.retryable(ctx, deployment, "restore", func(ctx context.Context) error {
		return worker.backups.Restore(ctx, deployment.BackupRef)
	})
	if err != nil {
		worker.finalize(ctx, deployment, StatusFailed, faults.Wrap(faults.RollbackFailed, err), log)
		return
	}
	if err := worker.verifyStep(ctx, deployment); err != nil {
		worker.finalize(ctx, deployment, StatusFailed, err, log)
		return
	}
	worker.finalize(ctx, deployment, StatusCompleted, nil, log)
}

func (worker *Worker) resolveStep(ctx context.Context, deployment *Deployment) (changes *ChangeSet, err error) {
	defer mon.Task()(&ctx)(&err)

	err = worker.retryable(ctx, deployment, "resolve", func(ctx context.Context) error {
		changes, err = worker.resolver.Resolve(ctx, deployment)
		return err
	})
	if err != nil {
		return nil, err
	}
	worker.system(ctx, deployment, LevelInfo,
		fmt.Sprintf("resolved commit %s with %d files", changes.Commit, len(changes.Files)), nil)
	return changes, nil
}

func (worker *Worker) backupStep(ctx context.Context, deployment *Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	var ref string
	err = worker.retryable(ctx, deployment, "backup", func(ctx context.Context) error {
		ref, err = worker.backups.Create(ctx, deployment.ID)
		return err
	})
	if err != nil {
		worker.system(ctx, deployment, LevelError, "backup failed: "+err.Error(), nil)
		return err
	}
	deployment.BackupRef = ref
	if err := worker.db.SetBackupRef(ctx, deployment.ID, ref); err != nil {
		return err
	}
	worker.system(ctx, deployment, LevelInfo, "backup stored at "+ref, nil)
	worker.announce(deployment, "deployment:backup:ok", "")
	return nil
}

func (worker *Worker) validateStep(ctx context.Context, deployment *Deployment, changes *ChangeSet) (err error) {
	defer mon.Task()(&ctx)(&err)

	issues := worker.validator.Validate(changes)
	for _, issue := range issues {
		worker.system(ctx, deployment, LevelError, "validation: "+issue.String(), nil)
	}
	if err := worker.validator.Error(issues); err != nil {
		return err
	}
	worker.system(ctx, deployment, LevelInfo, "validation passed", nil)
	return nil
}

// applyStep pushes the change set to the destination in a stable order:
// directories first, then file writes, deletes last. Every file gets a row
// that advances pending -> ok or error, which makes apply re-entrant.
func (worker *Worker) applyStep(ctx context.Context, deployment *Deployment, changes *ChangeSet) (err error) {
	defer mon.Task()(&ctx)(&err)

	files := append([]ChangeFile(nil), changes.Files...)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, file := range files {
		if dir := path.Dir(file.Path); dir != "." && dir != "/" {
			if err := worker.fs.CreateDir(ctx, worker.config.Share, path.Join(worker.config.Root, dir)); err != nil {
				return err
			}
		}
	}

	for _, file := range files {
		op := FileOpUpdate
		target := path.Join(worker.config.Root, file.Path)
		if _, err := worker.fs.GetInfo(ctx, worker.config.Share, target); faults.Is(err, faults.NotFound) {
			op = FileOpCreate
		}
		entry := FileEntry{
			DeploymentID: deployment.ID,
			Path:         file.Path,
			Op:           op,
			Size:         int64(len(file.Content)),
			Hash:         file.SHA,
		}
		if err := worker.files.Add(ctx, entry); err != nil {
			return err
		}
		if err := worker.fs.WriteFile(ctx, worker.config.Share, target, file.Content); err != nil {
			_ = worker.files.SetStatus(ctx, deployment.ID, file.Path, op, FileError, err.Error())
			return err
		}
		if err := worker.files.SetStatus(ctx, deployment.ID, file.Path, op, FileOK, ""); err != nil {
			return err
		}
	}

	for _, target := range changes.Deletes {
		entry := FileEntry{DeploymentID: deployment.ID, Path: target, Op: FileOpDelete}
		if err := worker.files.Add(ctx, entry); err != nil {
			return err
		}
		err := worker.fs.Delete(ctx, worker.config.Share, path.Join(worker.config.Root, target))
		if err != nil && !faults.Is(err, faults.NotFound) {
			_ = worker.files.SetStatus(ctx, deployment.ID, target, FileOpDelete, FileError, err.Error())
			return err
		}
		if err := worker.files.SetStatus(ctx, deployment.ID, target, FileOpDelete, FileOK, ""); err != nil {
			return err
		}
	}

	worker.system(ctx, deployment, LevelInfo,
		fmt.Sprintf("applied %d files, %d deletes", len(files), len(changes.Deletes)), nil)
	return nil
}

func (worker *Worker) verifyStep(ctx context.Context, deployment *Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := worker.verifier.Verify(ctx); err != nil {
		worker.system(ctx, deployment, LevelError, "verify failed: "+err.Error(), nil)
		return err
	}
	worker.system(ctx, deployment, LevelInfo, "destination verified healthy", nil)
	return nil
}

// rollbackStep restores the backup, retrying up to maxRetries.
func (worker *Worker) rollbackStep(ctx context.Context, deployment *Deployment) (err error) {
	defer mon.Task()(&ctx)(&err)

	if deployment.BackupRef == "" {
		return faults.New(faults.RollbackFailed, "no backup reference to restore")
	}
	err = worker.retryable(ctx, deployment, "rollback", func(ctx context.Context) error {
		return worker.backups.Restore(ctx, deployment.BackupRef)
	})
	if err != nil {
		return faults.Wrap(faults.RollbackFailed, err)
	}
	return nil
}

func (worker *Worker) rollbackAndFinalize(ctx context.Context, deployment *Deployment, cause error, log *zap.Logger) {
	worker.system(ctx, deployment, LevelWarn, "rolling back: "+cause.Error(),
		map[string]string{"kind": string(faults.KindOf(cause))})

	if deployment.BackupRef == "" {
		// nothing was ever snapshotted, there is nothing to restore
		worker.finalize(ctx, deployment, StatusFailed, cause, log)
		return
	}
	if err := worker.rollbackStep(ctx, deployment); err != nil {
		worker.system(ctx, deployment, LevelError, "rollback failed: "+err.Error(), nil)
		worker.finalize(ctx, deployment, StatusFailed, err, log)
		return
	}
	worker.finalize(ctx, deployment, StatusRolledBack, cause, log)
}

// retryable runs fn retrying transport, rateLimited and timeout failures
// with exponential backoff up to the deployment's retry budget.
func (worker *Worker) retryable(ctx context.Context, deployment *Deployment, step string, fn func(ctx context.Context) error) error {
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(deployment.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		if attempt > 0 {
			deployment.RetryCount++
			_ = worker.db.SetRetryCount(ctx, deployment.ID, deployment.RetryCount)
			worker.system(ctx, deployment, LevelWarn,
				fmt.Sprintf("retrying %s, attempt %d", step, attempt+1), nil)
		}
		attempt++
		err := fn(ctx)
		if err != nil && !faults.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (worker *Worker) cancelled(ctx context.Context, deployment *Deployment) bool {
	fresh, err := worker.db.Get(ctx, deployment.ID)
	if err != nil {
		return false
	}
	return fresh.CancelRequested
}

func (worker *Worker) finalize(ctx context.Context, deployment *Deployment, status Status, cause error, log *zap.Logger) {
	completedAt := worker.clock.Now().UTC()
	update := TerminalUpdate{Status: status, CompletedAt: completedAt}
	if cause != nil {
		update.ErrorKind = string(faults.KindOf(cause))
		update.ErrorMessage = cause.Error()
	}
	if err := worker.db.Finalize(ctx, deployment.ID, update); err != nil {
		log.Error("finalizing deployment failed", zap.Error(err))
		return
	}
	deployment.Status = status
	deployment.CompletedAt = &completedAt
	deployment.ErrorKind = update.ErrorKind
	deployment.ErrorMessage = update.ErrorMessage

	log.Info("deployment finished",
		zap.String("status", string(status)),
		zap.String("errorKind", update.ErrorKind))
	worker.system(ctx, deployment, LevelInfo, "deployment "+string(status), nil)
	worker.announce(deployment, "deployment:"+string(status), update.ErrorKind)

	if worker.recorder != nil {
		elapsed := time.Duration(0)
		if deployment.StartedAt != nil {
			elapsed = completedAt.Sub(*deployment.StartedAt)
		}
		err := worker.recorder.RecordDuration(ctx, "deploy.duration", deployment.Repository, elapsed,
			map[string]string{"status": string(status)})
		if err != nil {
			log.Warn("recording deployment outcome failed", zap.Error(err))
		}
	}
}

func (worker *Worker) system(ctx context.Context, deployment *Deployment, level LogLevel, message string, metadata map[string]string) {
	err := worker.logs.Append(ctx, LogEntry{
		DeploymentID: deployment.ID,
		Level:        level,
		Channel:      ChannelSystem,
		Message:      message,
		Timestamp:    worker.clock.Now().UTC(),
		Metadata:     metadata,
	})
	if err != nil {
		worker.log.Warn("appending deployment log failed", zap.Error(err))
	}
}

func (worker *Worker) announce(deployment *Deployment, kind, errorKind string) {
	if worker.announcer == nil {
		return
	}
	worker.announcer.Announce("repo:"+deployment.Repository, Event{
		Kind:         kind,
		DeploymentID: deployment.ID.String(),
		Repository:   deployment.Repository,
		Branch:       deployment.Branch,
		Status:       string(deployment.Status),
		ErrorKind:    errorKind,
		At:           worker.clock.Now().UTC(),
	})
}
