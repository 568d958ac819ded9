// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package metrics

import (
	"context"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/private/sync2"
)

// Chore purges raw points past retention on a fixed interval.
type Chore struct {
	log     *zap.Logger
	service *Service

	Loop *sync2.Cycle
}

// NewChore creates the metrics retention chore.
func NewChore(log *zap.Logger, service *Service, config Config) *Chore {
	return &Chore{
		log:     log,
		service: service,
		Loop:    sync2.NewCycle(config.CleanupInterval),
	}
}

// Run starts the chore.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if _, err := chore.service.Cleanup(ctx); err != nil {
			chore.log.Error("metrics cleanup failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
