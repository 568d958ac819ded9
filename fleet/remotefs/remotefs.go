// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package remotefs exposes remote file shares through an external tool
// wrapper, policing every path before it leaves the process.
package remotefs

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"gitfleet.io/gitfleet/fleet/faults"
)

var (
	mon = monkit.Package()

	// Error is the default remotefs errs class.
	Error = errs.Class("remotefs")
)

// DefaultMaxWriteSize bounds a single WriteFile payload.
const DefaultMaxWriteSize = 10 << 20

// Info describes a remote file or directory.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"modTime"`
}

// FS is the remote file share capability. Every operation validates the
// path before invoking the tool.
type FS interface {
	CreateDir(ctx context.Context, share, path string) error
	WriteFile(ctx context.Context, share, path string, data []byte) error
	ReadFile(ctx context.Context, share, path string) ([]byte, error)
	List(ctx context.Context, share, path string) ([]Info, error)
	Delete(ctx context.Context, share, path string) error
	GetInfo(ctx context.Context, share, path string) (Info, error)
}

// ValidatePath rejects paths containing dot-dot segments or repeated
// slashes, and paths that do not live under one of the whitelisted roots.
// An empty whitelist admits any root.
func ValidatePath(path string, roots []string) error {
	if path == "" {
		return faults.New(faults.Validation, "empty path")
	}
	if strings.Contains(path, "//") {
		return faults.New(faults.Validation, "path %q contains repeated slashes", path)
	}
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if segment == ".." {
			return faults.New(faults.Validation, "path %q contains a dot-dot segment", path)
		}
	}
	if len(roots) == 0 {
		return nil
	}
	normalized := strings.TrimPrefix(path, "/")
	for _, root := range roots {
		root = strings.Trim(root, "/")
		if normalized == root || strings.HasPrefix(normalized, root+"/") {
			return nil
		}
	}
	return faults.New(faults.Validation, "path %q escapes the allowed roots", path)
}
