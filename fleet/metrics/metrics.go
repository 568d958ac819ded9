// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package metrics

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default metrics errs class.
var Error = errs.Class("metrics")

// Point is a single immutable time-series sample.
type Point struct {
	Kind      string
	Entity    string
	Timestamp time.Time
	Value     float64
	Unit      string
	Tags      map[string]string
}

// Interval is the width of a rollup bucket.
type Interval string

// Rollup intervals.
const (
	IntervalHour  Interval = "hour"
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// Duration returns the bucket width. Months are normalized to 30 days.
func (interval Interval) Duration() time.Duration {
	switch interval {
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	case IntervalWeek:
		return 7 * 24 * time.Hour
	case IntervalMonth:
		return 30 * 24 * time.Hour
	}
	return time.Hour
}

// BucketStart truncates ts to the start of its bucket.
func (interval Interval) BucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(interval.Duration())
}

// Aggregations are the derived statistics over one bucket.
type Aggregations struct {
	Count  int64
	Sum    float64
	Avg    float64
	Min    float64
	Max    float64
	Median float64
	P95    float64
	P99    float64
}

// Aggregate is a materialized rollup over a fixed interval.
type Aggregate struct {
	Kind        string
	Entity      string
	Interval    Interval
	BucketStart time.Time
	Aggregations
}

// Query filters points or buckets.
type Query struct {
	Kind   string
	Entity string
	Since  time.Time
	Until  time.Time
	Tags   map[string]string

	Interval  Interval // zero value means raw points
	Limit     int
	Ascending bool
}

// DB is the persistent store for metric points and materialized rollups.
type DB interface {
	// Insert stores a point.
	Insert(ctx context.Context, point Point) error

	// Points returns raw points matching the query, ordered by timestamp.
	Points(ctx context.Context, query Query) ([]Point, error)

	// Values returns just the sample values matching the query, unordered.
	Values(ctx context.Context, query Query) ([]float64, error)

	// SaveAggregate stores a materialized rollup, replacing any previous
	// rollup for the same (kind, entity, interval, bucketStart).
	SaveAggregate(ctx context.Context, aggregate Aggregate) error

	// GetAggregate returns a materialized rollup, if present.
	GetAggregate(ctx context.Context, kind, entity string, interval Interval, bucketStart time.Time) (*Aggregate, bool, error)

	// Cleanup deletes points older than the given time and returns the
	// number deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
