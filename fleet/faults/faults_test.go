// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package faults_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitfleet.io/gitfleet/fleet/faults"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, faults.NotFound, faults.KindOf(faults.New(faults.NotFound, "deployment %q", "x")))
	require.Equal(t, faults.Timeout, faults.KindOf(context.DeadlineExceeded))
	require.Equal(t, faults.Internal, faults.KindOf(io.ErrUnexpectedEOF))
	require.Equal(t, faults.Kind(""), faults.KindOf(nil))
}

func TestWrapKeepsKind(t *testing.T) {
	inner := faults.New(faults.Conflict, "cas lost")
	wrapped := faults.Wrap(faults.Internal, inner)
	require.Equal(t, faults.Conflict, faults.KindOf(wrapped))

	require.Nil(t, faults.Wrap(faults.Internal, nil))

	wrapped = faults.Wrap(faults.Transport, io.ErrUnexpectedEOF)
	require.Equal(t, faults.Transport, faults.KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	require.True(t, faults.Retryable(faults.New(faults.Transport, "conn reset")))
	require.True(t, faults.Retryable(faults.New(faults.Timeout, "deadline")))
	require.True(t, faults.Retryable(faults.New(faults.RateLimited, "slow down")))
	require.False(t, faults.Retryable(faults.New(faults.PolicyViolation, "branch not allowed")))
	require.False(t, faults.Retryable(faults.New(faults.PayloadTooLarge, "11MiB")))
}

func TestRetryAfter(t *testing.T) {
	fault := faults.New(faults.RateLimited, "slow down")
	fault.RetryAfter = 3 * time.Second
	require.Equal(t, 3*time.Second, faults.RetryAfter(fault))
	require.Zero(t, faults.RetryAfter(io.ErrUnexpectedEOF))
}

func TestDetails(t *testing.T) {
	fault := faults.New(faults.Validation, "bad request").
		WithDetail("branch", "required")
	require.Equal(t, "required", fault.Details["branch"])
}
