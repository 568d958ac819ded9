// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a deployment log entry.
type LogLevel string

// Log levels.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogChannel says where a log line originated.
type LogChannel string

// Log channels.
const (
	ChannelStdout LogChannel = "stdout"
	ChannelStderr LogChannel = "stderr"
	ChannelSystem LogChannel = "system"
)

// LogEntry is an append-only log line attached to a deployment.
type LogEntry struct {
	DeploymentID uuid.UUID
	Level        LogLevel
	Channel      LogChannel
	Message      string
	Timestamp    time.Time
	Metadata     map[string]string
}

// FileOp is the operation performed on a single file during apply.
type FileOp string

// File operations. Backup rows precede any mutating row for the same path
// within a deployment.
const (
	FileOpCreate FileOp = "create"
	FileOpUpdate FileOp = "update"
	FileOpDelete FileOp = "delete"
	FileOpBackup FileOp = "backup"
)

// FileStatus tracks per-file apply progress, making apply re-entrant.
type FileStatus string

// File statuses.
const (
	FilePending FileStatus = "pending"
	FileOK      FileStatus = "ok"
	FileError   FileStatus = "error"
)

// FileEntry records one file operation belonging to a deployment.
type FileEntry struct {
	DeploymentID uuid.UUID
	Path         string
	Op           FileOp
	Size         int64
	Hash         string
	BackupPath   string
	Status       FileStatus
	ErrorMessage string
}

// Logs is the persistent store for deployment logs.
type Logs interface {
	// Append stores a log entry.
	Append(ctx context.Context, entry LogEntry) error
	// ListByDeployment returns log entries for a deployment in append
	// order.
	ListByDeployment(ctx context.Context, id uuid.UUID, limit, offset int) ([]LogEntry, error)
}

// Files is the persistent store for deployment file rows.
type Files interface {
	// Add inserts a file row; duplicates on (deployment, path, op) are
	// replaced.
	Add(ctx context.Context, entry FileEntry) error
	// SetStatus advances a file row to ok or error.
	SetStatus(ctx context.Context, id uuid.UUID, path string, op FileOp, status FileStatus, errorMessage string) error
	// ListByDeployment returns file rows for a deployment with backup
	// rows first, preserving insertion order otherwise.
	ListByDeployment(ctx context.Context, id uuid.UUID) ([]FileEntry, error)
}
