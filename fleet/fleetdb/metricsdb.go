// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package fleetdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/metrics"
)

type metricsDB struct {
	*DB
}

// Insert stores a point.
func (db *metricsDB) Insert(ctx context.Context, point metrics.Point) (err error) {
	defer mon.Task()(&ctx)(&err)

	tags, err := json.Marshal(orEmpty(point.Tags))
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	_, err = db.exec(ctx, `
		INSERT INTO metric_points (kind, entity, timestamp, value, unit, tags)
		VALUES (?, ?, ?, ?, ?, ?)`,
		point.Kind, point.Entity, point.Timestamp.UTC(), point.Value, point.Unit, string(tags))
	return ErrDatabase.Wrap(err)
}

// Points returns raw points matching the query ordered by timestamp.
func (db *metricsDB) Points(ctx context.Context, query metrics.Query) (points []metrics.Point, err error) {
	defer mon.Task()(&ctx)(&err)

	sqlQuery, args := buildPointsQuery(query, true)
	rows, err := db.query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()

	for rows.Next() {
		var (
			point metrics.Point
			tags  string
		)
		if err := rows.Scan(&point.Kind, &point.Entity, &point.Timestamp, &point.Value, &point.Unit, &tags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &point.Tags); err != nil {
			return nil, err
		}
		if !matchTags(point.Tags, query.Tags) {
			continue
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// Values returns sample values matching the query.
func (db *metricsDB) Values(ctx context.Context, query metrics.Query) (values []float64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(query.Tags) > 0 {
		// tag filters require the full rows
		points, err := db.Points(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, point := range points {
			values = append(values, point.Value)
		}
		return values, nil
	}

	sqlQuery, args := buildPointsQuery(query, false)
	rows, err := db.query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { err = ErrDatabase.Wrap(errs.Combine(err, rows.Close())) }()

	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func buildPointsQuery(query metrics.Query, full bool) (string, []interface{}) {
	columns := `value`
	if full {
		columns = `kind, entity, timestamp, value, unit, tags`
	}

	sqlQuery := `SELECT ` + columns + ` FROM metric_points WHERE 1=1`
	var args []interface{}
	if query.Kind != "" {
		sqlQuery += ` AND kind = ?`
		args = append(args, query.Kind)
	}
	if query.Entity != "" {
		sqlQuery += ` AND entity = ?`
		args = append(args, query.Entity)
	}
	if !query.Since.IsZero() {
		sqlQuery += ` AND timestamp >= ?`
		args = append(args, query.Since.UTC())
	}
	if !query.Until.IsZero() {
		sqlQuery += ` AND timestamp < ?`
		args = append(args, query.Until.UTC())
	}
	if query.Ascending {
		sqlQuery += ` ORDER BY timestamp ASC`
	} else {
		sqlQuery += ` ORDER BY timestamp DESC`
	}
	if query.Limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, query.Limit)
	}
	return sqlQuery, args
}

func matchTags(tags, want map[string]string) bool {
	for key, value := range want {
		if tags[key] != value {
			return false
		}
	}
	return true
}

// SaveAggregate stores a materialized rollup.
func (db *metricsDB) SaveAggregate(ctx context.Context, aggregate metrics.Aggregate) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := db.exec(ctx, `
		DELETE FROM metric_aggregates
		WHERE kind = ? AND entity = ? AND interval = ? AND bucket_start = ?`,
		aggregate.Kind, aggregate.Entity, string(aggregate.Interval), aggregate.BucketStart.UTC()); err != nil {
		return ErrDatabase.Wrap(err)
	}
	_, err = db.exec(ctx, `
		INSERT INTO metric_aggregates
			(kind, entity, interval, bucket_start, count, sum, avg, min, max, median, p95, p99)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		aggregate.Kind, aggregate.Entity, string(aggregate.Interval), aggregate.BucketStart.UTC(),
		aggregate.Count, aggregate.Sum, aggregate.Avg, aggregate.Min, aggregate.Max,
		aggregate.Median, aggregate.P95, aggregate.P99)
	return ErrDatabase.Wrap(err)
}

// GetAggregate returns a materialized rollup, if present.
func (db *metricsDB) GetAggregate(ctx context.Context, kind, entity string, interval metrics.Interval, bucketStart time.Time) (_ *metrics.Aggregate, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	aggregate := metrics.Aggregate{
		Kind: kind, Entity: entity, Interval: interval, BucketStart: bucketStart.UTC(),
	}
	err = db.queryRow(ctx, `
		SELECT count, sum, avg, min, max, median, p95, p99
		FROM metric_aggregates
		WHERE kind = ? AND entity = ? AND interval = ? AND bucket_start = ?`,
		kind, entity, string(interval), bucketStart.UTC()).Scan(
		&aggregate.Count, &aggregate.Sum, &aggregate.Avg, &aggregate.Min,
		&aggregate.Max, &aggregate.Median, &aggregate.P95, &aggregate.P99)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrDatabase.Wrap(err)
	}
	return &aggregate, true, nil
}

// Cleanup deletes points older than the given time.
func (db *metricsDB) Cleanup(ctx context.Context, olderThan time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.exec(ctx, `DELETE FROM metric_points WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, ErrDatabase.Wrap(err)
}
