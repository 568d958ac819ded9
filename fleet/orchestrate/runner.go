// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package orchestrate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/private/sync2"
)

// Config configures the orchestration runner.
type Config struct {
	Workers    int    `help:"concurrent actions within a parallel stage" default:"4"`
	ProfileDir string `help:"directory holding orchestration profiles" default:"profiles"`
}

// Checkpoint undoes one completed action. Actions without anything to undo
// return a nil checkpoint.
type Checkpoint interface {
	Rollback(ctx context.Context) error
}

// Action is the smallest observable step inside a stage.
type Action interface {
	// Run performs the action against one repository and returns a
	// checkpoint for rollback, or nil when there is nothing to undo.
	Run(ctx context.Context, repository string) (Checkpoint, error)
}

// Registry resolves action ids to implementations.
type Registry map[string]Action

// Status is the outcome of an orchestration.
type Status string

// The orchestration outcomes.
const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// ActionResult records one action execution.
type ActionResult struct {
	Stage      string
	Action     string
	Repository string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Result is the outcome of a whole orchestration run.
type Result struct {
	Profile       string
	Status        Status
	Results       []ActionResult
	SkippedStages []string
}

// Failed counts failed actions.
func (result *Result) Failed() int {
	failed := 0
	for _, r := range result.Results {
		if r.Err != nil {
			failed++
		}
	}
	return failed
}

type completedAction struct {
	result     ActionResult
	checkpoint Checkpoint
}

// Runner executes profiles.
type Runner struct {
	log      *zap.Logger
	registry Registry
	clock    clocks.Clock
	config   Config
}

// NewRunner creates a runner over the given action registry.
func NewRunner(log *zap.Logger, registry Registry, clock clocks.Clock, config Config) *Runner {
	return &Runner{log: log, registry: registry, clock: clock, config: config}
}

// Run expands the profile against the inventory and executes it. The
// inventory maps repository name to its attributes for selector matching.
func (runner *Runner) Run(ctx context.Context, profile *Profile, inventory map[string]map[string]string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := profile.Validate(); err != nil {
		return nil, err
	}
	for _, stage := range profile.Stages {
		for _, action := range stage.Actions {
			if _, ok := runner.registry[action]; !ok {
				return nil, Error.New("profile %s references unregistered action %q", profile.Name, action)
			}
		}
	}

	var repos []string
	for repository, attributes := range inventory {
		if profile.Selector.Matches(repository, attributes) {
			repos = append(repos, repository)
		}
	}
	if len(repos) == 0 {
		return nil, faults.New(faults.Validation, "profile %s selects no repositories", profile.Name)
	}

	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	run := &orchestrationRun{
		runner:  runner,
		profile: profile,
		repos:   repos,
		result:  &Result{Profile: profile.Name, Status: StatusCompleted},
	}
	run.execute(ctx)
	return run.result, nil
}

type orchestrationRun struct {
	runner  *Runner
	profile *Profile
	repos   []string

	mu        sync.Mutex
	completed []completedAction
	result    *Result
}

func (run *orchestrationRun) execute(ctx context.Context) {
	total := 0
	for _, stage := range run.profile.Stages {
		total += len(stage.Actions) * len(run.repos)
	}

	for i, stage := range run.profile.Stages {
		run.executeStage(ctx, stage)

		failedFraction := float64(run.result.Failed()) / float64(total)
		critical := run.result.Failed() > 0 && failedFraction > run.profile.CriticalFailureThreshold
		timedOut := ctx.Err() != nil
		if !critical && !timedOut {
			continue
		}

		for _, skipped := range run.profile.Stages[i+1:] {
			run.result.SkippedStages = append(run.result.SkippedStages, skipped.Name)
		}
		run.result.Status = StatusFailed
		if run.profile.RollbackOnFailure {
			run.rollback()
		}
		return
	}

	if run.result.Failed() > 0 {
		run.result.Status = StatusFailed
		if run.profile.RollbackOnFailure {
			run.rollback()
		}
	}
}

func (run *orchestrationRun) executeStage(ctx context.Context, stage Stage) {
	switch stage.Execution {
	case ModeSequential:
		for _, action := range stage.Actions {
			for _, repository := range run.repos {
				if ctx.Err() != nil {
					return
				}
				if !run.runAction(ctx, stage, action, repository) {
					// a sequential failure halts the stage
					return
				}
			}
		}
	case ModeParallel:
		run.runLayer(ctx, stage, stage.Actions)
	case ModeDependencyOrdered:
		layers, err := topoLayers(stage.Actions, stage.DependsOn)
		if err != nil {
			// validated before the run started
			run.runner.log.Error("stage ordering failed", zap.Error(err))
			return
		}
		for _, layer := range layers {
			if ctx.Err() != nil {
				return
			}
			run.runLayer(ctx, stage, layer)
		}
	}
}

// runLayer executes actions concurrently, bounded by the worker pool.
func (run *orchestrationRun) runLayer(ctx context.Context, stage Stage, actions []string) {
	limiter := sync2.NewLimiter(run.runner.config.Workers)
	defer limiter.Wait()
	for _, action := range actions {
		for _, repository := range run.repos {
			action, repository := action, repository
			started := limiter.Go(ctx, func() {
				run.runAction(ctx, stage, action, repository)
			})
			if !started {
				return
			}
		}
	}
}

func (run *orchestrationRun) runAction(ctx context.Context, stage Stage, action, repository string) bool {
	impl := run.runner.registry[action]
	result := ActionResult{
		Stage:      stage.Name,
		Action:     action,
		Repository: repository,
		StartedAt:  run.runner.clock.Now(),
	}
	checkpoint, err := impl.Run(ctx, repository)
	result.FinishedAt = run.runner.clock.Now()
	result.Err = err

	run.mu.Lock()
	run.result.Results = append(run.result.Results, result)
	if err == nil && checkpoint != nil {
		run.completed = append(run.completed, completedAction{result: result, checkpoint: checkpoint})
	}
	run.mu.Unlock()

	if err != nil {
		run.runner.log.Warn("orchestration action failed",
			zap.String("profile", run.profile.Name),
			zap.String("stage", stage.Name),
			zap.String("action", action),
			zap.String("repository", repository),
			zap.Error(err))
		return false
	}
	return true
}

// rollback traverses completed actions in reverse order. Rollback runs
// under a fresh context so a profile timeout cannot strand half-undone
// state.
func (run *orchestrationRun) rollback() {
	ctx := context.Background()
	rolledBack := true
	for i := len(run.completed) - 1; i >= 0; i-- {
		completed := run.completed[i]
		if err := completed.checkpoint.Rollback(ctx); err != nil {
			rolledBack = false
			run.runner.log.Error("orchestration rollback failed",
				zap.String("profile", run.profile.Name),
				zap.String("action", completed.result.Action),
				zap.String("repository", completed.result.Repository),
				zap.Error(err))
		}
	}
	if rolledBack && len(run.completed) > 0 {
		run.result.Status = StatusRolledBack
	}
}
