// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package remotefs

import (
	"context"
	"encoding/base64"
	"time"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/private/toolexec"
)

// Config configures the tool-backed file share client.
type Config struct {
	Tool         string        `help:"path to the file share tool wrapper" default:"gitfleet-sharetool"`
	Timeout      time.Duration `help:"hard timeout for a single tool invocation" default:"30s"`
	Roots        []string      `help:"allowed path roots; empty admits any root"`
	MaxWriteSize int64         `help:"maximum WriteFile payload in bytes" default:"10485760"`
}

// ToolFS implements FS by shelling out to a wrapper binary.
type ToolFS struct {
	log          *zap.Logger
	runner       *toolexec.Runner
	roots        []string
	maxWriteSize int64
}

// NewToolFS creates a tool-backed file share client.
func NewToolFS(log *zap.Logger, config Config) *ToolFS {
	maxWriteSize := config.MaxWriteSize
	if maxWriteSize <= 0 {
		maxWriteSize = DefaultMaxWriteSize
	}
	return &ToolFS{
		log:          log,
		runner:       toolexec.NewRunner(log, config.Tool, config.Timeout),
		roots:        config.Roots,
		maxWriteSize: maxWriteSize,
	}
}

// CreateDir creates a directory, including missing parents.
func (fs *ToolFS) CreateDir(ctx context.Context, share, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidatePath(path, fs.roots); err != nil {
		return err
	}
	return fs.runner.Run(ctx, nil, nil, "create-dir", "--share", share, "--path", path)
}

// WriteFile writes data to path, rejecting oversized payloads.
func (fs *ToolFS) WriteFile(ctx context.Context, share, path string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidatePath(path, fs.roots); err != nil {
		return err
	}
	if int64(len(data)) > fs.maxWriteSize {
		return faults.New(faults.PayloadTooLarge,
			"write of %d bytes to %q exceeds the %d byte limit", len(data), path, fs.maxWriteSize)
	}
	return fs.runner.Run(ctx, nil, data, "write-file", "--share", share, "--path", path)
}

// ReadFile returns the contents of path.
func (fs *ToolFS) ReadFile(ctx context.Context, share, path string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidatePath(path, fs.roots); err != nil {
		return nil, err
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := fs.runner.Run(ctx, &out, nil, "read-file", "--share", share, "--path", path); err != nil {
		return nil, err
	}
	content, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, Error.New("malformed file content: %v", err)
	}
	return content, nil
}

// List returns the entries under path.
func (fs *ToolFS) List(ctx context.Context, share, path string) (infos []Info, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidatePath(path, fs.roots); err != nil {
		return nil, err
	}
	err = fs.runner.Run(ctx, &infos, nil, "list", "--share", share, "--path", path)
	return infos, err
}

// Delete removes the file or directory at path.
func (fs *ToolFS) Delete(ctx context.Context, share, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidatePath(path, fs.roots); err != nil {
		return err
	}
	return fs.runner.Run(ctx, nil, nil, "delete", "--share", share, "--path", path)
}

// GetInfo returns metadata for path.
func (fs *ToolFS) GetInfo(ctx context.Context, share, path string) (_ Info, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidatePath(path, fs.roots); err != nil {
		return Info{}, err
	}
	var info Info
	err = fs.runner.Run(ctx, &info, nil, "get-info", "--share", share, "--path", path)
	return info, err
}
