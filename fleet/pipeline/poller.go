// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/private/sync2"
)

// Poller refreshes unfinished runs from the code host. Each run carries
// its own exponential backoff, doubling from the initial interval to the
// cap and resetting whenever the observed status changes. Rate limited
// responses push the next poll out by the server-provided wait plus a
// small jitter.
type Poller struct {
	log     *zap.Logger
	service *Service
	config  Config

	Loop *sync2.Cycle

	states map[string]*pollState
}

type pollState struct {
	backoff *backoff.ExponentialBackOff
	next    time.Time
}

// NewPoller creates a poller ticking at the initial poll interval.
func NewPoller(log *zap.Logger, service *Service, config Config) *Poller {
	return &Poller{
		log:     log,
		service: service,
		config:  config,
		Loop:    sync2.NewCycle(config.PollInitial),
		states:  map[string]*pollState{},
	}
}

// Run starts the poller.
func (poller *Poller) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return poller.Loop.Run(ctx, func(ctx context.Context) error {
		if err := poller.pollOnce(ctx); err != nil {
			poller.log.Error("pipeline poll pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the poller.
func (poller *Poller) Close() error {
	poller.Loop.Close()
	return nil
}

func (poller *Poller) pollOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	unfinished, err := poller.service.db.ListUnfinished(ctx, 100)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	now := time.Now()
	for _, run := range unfinished {
		key := cacheKey(run.Repository, run.RunID)
		seen[key] = true

		state, ok := poller.states[key]
		if !ok {
			state = &pollState{backoff: poller.newBackoff()}
			poller.states[key] = state
		}
		if now.Before(state.next) {
			continue
		}
		poller.pollRun(ctx, run, state)
	}

	// forget runs that finished or disappeared
	for key := range poller.states {
		if !seen[key] {
			delete(poller.states, key)
		}
	}
	return nil
}

func (poller *Poller) pollRun(ctx context.Context, run *Run, state *pollState) {
	fresh, err := poller.service.host.GetRun(ctx, run.Repository, run.RunID)
	if err != nil {
		if faults.Is(err, faults.RateLimited) {
			wait := faults.RetryAfter(err)
			if wait <= 0 {
				wait = poller.config.PollMax
			}
			jitter := time.Duration(rand.Int63n(int64(time.Second)))
			state.next = time.Now().Add(wait + jitter)
			return
		}
		poller.log.Warn("polling run failed",
			zap.String("repository", run.Repository),
			zap.String("run", run.RunID),
			zap.Error(err))
		state.next = time.Now().Add(state.backoff.NextBackOff())
		return
	}

	_, changed, err := poller.service.Observe(ctx, fresh)
	if err != nil {
		poller.log.Warn("storing run snapshot failed",
			zap.String("repository", run.Repository),
			zap.String("run", run.RunID),
			zap.Error(err))
	}
	if changed {
		state.backoff.Reset()
	}
	state.next = time.Now().Add(state.backoff.NextBackOff())
}

func (poller *Poller) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = poller.config.PollInitial
	b.MaxInterval = poller.config.PollMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
