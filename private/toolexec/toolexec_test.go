// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package toolexec_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/private/testcontext"
	"gitfleet.io/gitfleet/private/toolexec"
)

func writeTool(t *testing.T, ctx *testcontext.Context, script string) string {
	path := filepath.Join(ctx.Dir("tool"), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunDecodesStdout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, `echo '{"value": 42}'`)
	runner := toolexec.NewRunner(zaptest.NewLogger(t), tool, time.Minute)

	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, runner.Run(ctx, &out, nil))
	require.Equal(t, 42, out.Value)
}

func TestRunPassesStdin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, `printf '{"echo": "%s"}' "$(cat)"`)
	runner := toolexec.NewRunner(zaptest.NewLogger(t), tool, time.Minute)

	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, runner.Run(ctx, &out, []byte("hello")))
	require.Equal(t, "hello", out.Echo)
}

func TestRunMapsWireErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx,
		`echo '{"kind": "rateLimited", "message": "slow down", "retryAfterSeconds": 30}' >&2; exit 1`)
	runner := toolexec.NewRunner(zaptest.NewLogger(t), tool, time.Minute)

	err := runner.Run(ctx, nil, nil)
	require.True(t, faults.Is(err, faults.RateLimited))
	require.Equal(t, 30*time.Second, faults.RetryAfter(err))

	tool = writeTool(t, ctx, `echo '{"kind": "notFound", "message": "no such file"}' >&2; exit 1`)
	err = toolexec.NewRunner(zaptest.NewLogger(t), tool, time.Minute).Run(ctx, nil, nil)
	require.True(t, faults.Is(err, faults.NotFound))
}

func TestRunPreservesRawStderr(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, `echo 'segfault in module' >&2; exit 3`)
	runner := toolexec.NewRunner(zaptest.NewLogger(t), tool, time.Minute)

	err := runner.Run(ctx, nil, nil)
	require.True(t, faults.Is(err, faults.Transport))
	require.Contains(t, err.Error(), "segfault in module")
}

func TestRunTimesOut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, `sleep 5`)
	runner := toolexec.NewRunner(zaptest.NewLogger(t), tool, 100*time.Millisecond)

	err := runner.Run(ctx, nil, nil)
	require.True(t, faults.Is(err, faults.Timeout))
}
