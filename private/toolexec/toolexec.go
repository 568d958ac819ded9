// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package toolexec runs external tool wrappers with a hard timeout and a
// structured error protocol.
//
// A wrapper writes its result as JSON on stdout and exits zero. On failure it
// exits non-zero and writes a JSON error on stderr:
//
//	{"kind": "notFound", "message": "...", "retryAfterSeconds": 30}
//
// Stderr that does not parse as the error protocol is preserved verbatim in a
// transport fault.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/faults"
)

var mon = monkit.Package()

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 30 * time.Second

// Runner invokes one external tool binary.
type Runner struct {
	log     *zap.Logger
	path    string
	timeout time.Duration
}

// NewRunner returns a runner for the tool at path. A non-positive timeout
// falls back to DefaultTimeout.
func NewRunner(log *zap.Logger, path string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{log: log, path: path, timeout: timeout}
}

type wireError struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

// Run executes the tool with the given arguments, feeding stdin if non-nil,
// and decodes stdout into out when out is non-nil.
func (runner *Runner) Run(ctx context.Context, out interface{}, stdin []byte, args ...string) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, runner.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, runner.path, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	runner.log.Debug("tool invocation",
		zap.String("tool", runner.path),
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("failed", runErr != nil))

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return faults.New(faults.Timeout, "tool %s timed out after %s", runner.path, runner.timeout)
		}
		return runner.mapError(runErr, stderr.Bytes())
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return faults.New(faults.Transport, "tool %s produced malformed output: %v", runner.path, err)
	}
	return nil
}

func (runner *Runner) mapError(runErr error, stderr []byte) error {
	var wire wireError
	if err := json.Unmarshal(bytes.TrimSpace(stderr), &wire); err == nil && wire.Kind != "" {
		kind := parseKind(wire.Kind)
		fault := faults.New(kind, "%s", wire.Message)
		if kind == faults.RateLimited && wire.RetryAfterSeconds > 0 {
			fault = fault.WithRetryAfter(time.Duration(wire.RetryAfterSeconds) * time.Second)
		}
		return fault
	}
	// raw stderr is preserved so operators can see what the tool said
	message := strings.TrimSpace(string(stderr))
	if message == "" {
		message = runErr.Error()
	}
	return faults.New(faults.Transport, "tool %s failed: %s", runner.path, message)
}

func parseKind(kind string) faults.Kind {
	switch kind {
	case "notFound":
		return faults.NotFound
	case "conflict":
		return faults.Conflict
	case "rateLimited":
		return faults.RateLimited
	case "timeout":
		return faults.Timeout
	default:
		return faults.Transport
	}
}
