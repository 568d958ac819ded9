// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package pipeline supervises CI runs executed by the code host.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/metrics"
	"gitfleet.io/gitfleet/private/lrucache"
)

var mon = monkit.Package()

// Config configures the supervisor.
type Config struct {
	TriggersPerMinute int           `help:"workflow triggers allowed per principal per minute" default:"10"`
	TriggerBurst      int           `help:"workflow trigger burst per principal" default:"3"`
	CacheCapacity     int           `help:"run snapshot cache entries" default:"1000"`
	CacheTTL          time.Duration `help:"run snapshot cache entry lifetime" default:"60s"`
	PollInitial       time.Duration `help:"initial poll backoff" default:"5s"`
	PollMax           time.Duration `help:"maximum poll backoff" default:"60s"`
	RetentionDays     int           `help:"days to keep terminal runs" default:"30"`
	CleanupInterval   time.Duration `help:"how often old runs are purged" default:"24h"`
}

// Announcer pushes run updates to subscribers. Rooms are named
// "pipeline:<repository>".
type Announcer interface {
	Announce(room string, payload interface{})
}

// Metrics is the window summary served by the supervisor.
type Metrics struct {
	Total          int64
	Successful     int64
	Failed         int64
	Cancelled      int64
	SuccessRate    float64
	FailureRate    float64
	AvgDuration    time.Duration
	MedianDuration time.Duration
}

// Service is the pipeline supervisor.
type Service struct {
	log       *zap.Logger
	db        DB
	host      Host
	recorder  *metrics.Service
	announcer Announcer
	clock     clocks.Clock
	config    Config

	cache *lrucache.ExpiringLRUOf[string, *Run]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a supervisor.
func NewService(log *zap.Logger, db DB, host Host, recorder *metrics.Service, announcer Announcer, clock clocks.Clock, config Config) *Service {
	return &Service{
		log:       log,
		db:        db,
		host:      host,
		recorder:  recorder,
		announcer: announcer,
		clock:     clock,
		config:    config,
		cache: lrucache.NewOf[string, *Run](lrucache.Options{
			Capacity:   config.CacheCapacity,
			Expiration: config.CacheTTL,
		}),
		limiters: map[string]*rate.Limiter{},
	}
}

func (service *Service) limiter(principal string) *rate.Limiter {
	service.mu.Lock()
	defer service.mu.Unlock()
	limiter, ok := service.limiters[principal]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(float64(service.config.TriggersPerMinute)/60),
			service.config.TriggerBurst)
		service.limiters[principal] = limiter
	}
	return limiter
}

// Trigger starts a workflow on behalf of a principal. Triggers are rate
// limited per principal with a token bucket.
func (service *Service) Trigger(ctx context.Context, principal, repository, workflow string, params map[string]string) (runID string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.limiter(principal).Allow() {
		return "", faults.New(faults.RateLimited, "too many workflow triggers for %s", principal)
	}

	runID, err = service.host.TriggerWorkflow(ctx, repository, workflow, params)
	if err != nil {
		return "", err
	}
	service.log.Info("workflow triggered",
		zap.String("repository", repository),
		zap.String("workflow", workflow),
		zap.String("run", runID),
		zap.String("principal", principal))

	run := &Run{
		Repository:   repository,
		RunID:        runID,
		WorkflowName: workflow,
		Status:       RunPending,
		Actor:        principal,
	}
	if _, err := service.db.Upsert(ctx, run); err != nil {
		return runID, err
	}
	service.cache.Put(cacheKey(repository, runID), run)
	return runID, nil
}

// Status returns the latest known snapshot of a run, serving from the
// cache when fresh.
func (service *Service) Status(ctx context.Context, repository, runID string) (_ *Run, err error) {
	defer mon.Task()(&ctx)(&err)

	if run, ok := service.cache.Get(cacheKey(repository, runID)); ok {
		return run, nil
	}
	run, err := service.db.Get(ctx, repository, runID)
	if err != nil {
		return nil, err
	}
	service.cache.Put(cacheKey(repository, runID), run)
	return run, nil
}

// Observe folds a fresh host snapshot into the store, the cache, metrics
// and the push channel. Returns the stored snapshot and whether the stored
// status changed.
func (service *Service) Observe(ctx context.Context, run *Run) (_ *Run, changed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	previous, err := service.db.Get(ctx, run.Repository, run.RunID)
	if err != nil && !ErrNotFound.Has(err) {
		return nil, false, err
	}

	if run.Status.Terminal() && run.CompletedAt == nil {
		// the host did not report completion time
		now := service.clock.Now().UTC()
		run.CompletedAt = &now
	}

	stored, err := service.db.Upsert(ctx, run)
	if err != nil {
		return nil, false, err
	}
	service.cache.Put(cacheKey(stored.Repository, stored.RunID), stored)

	changed = previous == nil || previous.Status != stored.Status
	if !changed {
		return stored, false, nil
	}

	if service.announcer != nil {
		service.announcer.Announce("pipeline:"+stored.Repository, stored)
	}
	if stored.Status.Terminal() {
		service.recordCompletion(ctx, stored)
	}
	return stored, true, nil
}

func (service *Service) recordCompletion(ctx context.Context, run *Run) {
	tags := map[string]string{"status": string(run.Status)}
	duration, ok := run.Duration()
	if !ok {
		duration = 0
	}
	if err := service.recorder.RecordDuration(ctx, "pipeline.duration", run.Repository, duration, tags); err != nil {
		service.log.Warn("recording pipeline completion failed",
			zap.String("repository", run.Repository),
			zap.String("run", run.RunID),
			zap.Error(err))
	}
}

// Metrics summarizes run outcomes for a repository over a window, sourced
// from the recorded completion samples.
func (service *Service) Metrics(ctx context.Context, repository string, window time.Duration) (_ Metrics, err error) {
	defer mon.Task()(&ctx)(&err)

	points, err := service.recorder.Points(ctx, metrics.Query{
		Kind:   "pipeline.duration",
		Entity: repository,
		Since:  service.clock.Now().Add(-window),
	})
	if err != nil {
		return Metrics{}, err
	}

	var summary Metrics
	var durations []float64
	for _, point := range points {
		summary.Total++
		switch RunStatus(point.Tags["status"]) {
		case RunSuccess:
			summary.Successful++
		case RunFailure:
			summary.Failed++
		case RunCancelled:
			summary.Cancelled++
		}
		durations = append(durations, point.Value)
	}
	if summary.Total > 0 {
		summary.SuccessRate = float64(summary.Successful) / float64(summary.Total)
		summary.FailureRate = float64(summary.Failed) / float64(summary.Total)
		aggs := metrics.Compute(durations)
		summary.AvgDuration = time.Duration(aggs.Avg) * time.Millisecond
		summary.MedianDuration = time.Duration(aggs.Median) * time.Millisecond
	}
	return summary, nil
}

// List returns stored run snapshots, newest first.
func (service *Service) List(ctx context.Context, repository string, limit, offset int) ([]*Run, error) {
	return service.db.List(ctx, repository, limit, offset)
}

// Cleanup purges terminal runs past retention.
func (service *Service) Cleanup(ctx context.Context) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := service.clock.Now().AddDate(0, 0, -service.config.RetentionDays)
	return service.db.Cleanup(ctx, cutoff)
}

func cacheKey(repository, runID string) string {
	return repository + "\x00" + runID
}
