// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package metrics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/clocks"
)

var mon = monkit.Package()

// Config configures the aggregator.
type Config struct {
	RetentionDays   int           `help:"days to keep raw metric points" default:"90"`
	RollupInterval  time.Duration `help:"how often closed buckets are materialized" default:"15m"`
	CleanupInterval time.Duration `help:"how often old points are purged" default:"24h"`
}

// Service accepts samples and serves raw points or bucketed rollups.
//
// Rollups for closed buckets are materialized on first read and stable
// across calls; the open bucket is always computed from raw points.
type Service struct {
	log    *zap.Logger
	db     DB
	clock  clocks.Clock
	config Config
}

// NewService creates a metrics aggregator.
func NewService(log *zap.Logger, db DB, clock clocks.Clock, config Config) *Service {
	return &Service{log: log, db: db, clock: clock, config: config}
}

// Record stores a sample stamped with the service clock.
func (service *Service) Record(ctx context.Context, kind, entity string, value float64, unit string, tags map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.db.Insert(ctx, Point{
		Kind:      kind,
		Entity:    entity,
		Timestamp: service.clock.Now().UTC(),
		Value:     value,
		Unit:      unit,
		Tags:      tags,
	})
}

// RecordDuration stores an elapsed time sample in milliseconds.
func (service *Service) RecordDuration(ctx context.Context, kind, entity string, elapsed time.Duration, tags map[string]string) error {
	return service.Record(ctx, kind, entity, float64(elapsed.Milliseconds()), "ms", tags)
}

// Points returns raw samples matching the query.
func (service *Service) Points(ctx context.Context, query Query) (_ []Point, err error) {
	defer mon.Task()(&ctx)(&err)

	return service.db.Points(ctx, query)
}

// Values returns just the sample values matching the query.
func (service *Service) Values(ctx context.Context, query Query) (_ []float64, err error) {
	defer mon.Task()(&ctx)(&err)

	return service.db.Values(ctx, query)
}

// Aggregates returns bucketed rollups for the query range. Closed buckets
// are read from materialized rollups, computing and saving them on first
// access. The open bucket is computed fresh and never saved.
func (service *Service) Aggregates(ctx context.Context, query Query) (aggregates []Aggregate, err error) {
	defer mon.Task()(&ctx)(&err)

	if query.Interval == "" {
		return nil, Error.New("aggregate query needs an interval")
	}

	now := service.clock.Now().UTC()
	since := query.Since
	if since.IsZero() {
		since = now.Add(-24 * query.Interval.Duration())
	}
	until := query.Until
	if until.IsZero() || until.After(now) {
		until = now
	}
	openBucket := query.Interval.BucketStart(now)

	width := query.Interval.Duration()
	for bucket := query.Interval.BucketStart(since); bucket.Before(until); bucket = bucket.Add(width) {
		aggregate, err := service.bucketAggregate(ctx, query, bucket, bucket.Equal(openBucket))
		if err != nil {
			return nil, err
		}
		if aggregate == nil {
			continue
		}
		aggregates = append(aggregates, *aggregate)
		if query.Limit > 0 && len(aggregates) >= query.Limit {
			break
		}
	}
	return aggregates, nil
}

func (service *Service) bucketAggregate(ctx context.Context, query Query, bucket time.Time, open bool) (*Aggregate, error) {
	// tag-filtered rollups are never materialized, the filter changes the
	// sample set
	cacheable := !open && len(query.Tags) == 0
	if cacheable {
		aggregate, ok, err := service.db.GetAggregate(ctx, query.Kind, query.Entity, query.Interval, bucket)
		if err != nil {
			return nil, err
		}
		if ok {
			return aggregate, nil
		}
	}

	values, err := service.db.Values(ctx, Query{
		Kind:   query.Kind,
		Entity: query.Entity,
		Since:  bucket,
		Until:  bucket.Add(query.Interval.Duration()),
		Tags:   query.Tags,
	})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	aggregate := &Aggregate{
		Kind:         query.Kind,
		Entity:       query.Entity,
		Interval:     query.Interval,
		BucketStart:  bucket,
		Aggregations: Compute(values),
	}
	if cacheable {
		if err := service.db.SaveAggregate(ctx, *aggregate); err != nil {
			return nil, err
		}
	}
	return aggregate, nil
}

// Cleanup deletes raw points past retention.
func (service *Service) Cleanup(ctx context.Context) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := service.clock.Now().AddDate(0, 0, -service.config.RetentionDays)
	deleted, err = service.db.Cleanup(ctx, cutoff)
	if err == nil && deleted > 0 {
		service.log.Info("purged metric points", zap.Int64("deleted", deleted))
	}
	return deleted, err
}

// Compute derives the bucket statistics from a set of samples.
func Compute(values []float64) Aggregations {
	if len(values) == 0 {
		return Aggregations{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Aggregations{
		Count:  int64(len(sorted)),
		Sum:    sum,
		Avg:    sum / float64(len(sorted)),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: Percentile(sorted, 50),
		P95:    Percentile(sorted, 95),
		P99:    Percentile(sorted, 99),
	}
}

// Percentile interpolates linearly between sorted sample positions. The
// input must be sorted ascending.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	position := p * float64(len(sorted)-1) / 100
	lower := int(math.Floor(position))
	upper := int(math.Ceil(position))
	if upper >= len(sorted) {
		upper = len(sorted) - 1
	}
	frac := position - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
