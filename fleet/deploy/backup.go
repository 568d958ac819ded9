// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/remotefs"
	"gitfleet.io/gitfleet/private/sync2"
)

// ManifestFile is one file captured in a backup.
type ManifestFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest describes a backup snapshot well enough to restore it
// byte-for-byte.
type Manifest struct {
	DeploymentID string         `json:"deploymentId"`
	CreatedAt    time.Time      `json:"createdAt"`
	Root         string         `json:"root"`
	Files        []ManifestFile `json:"files"`
}

// Backups snapshots the destination to timestamped sibling directories and
// restores from them.
type Backups struct {
	log   *zap.Logger
	fs    remotefs.FS
	clock clocks.Clock
	share string
	root  string
}

// NewBackups creates a backup helper rooted next to the destination.
func NewBackups(log *zap.Logger, fs remotefs.FS, clock clocks.Clock, share, root string) *Backups {
	return &Backups{log: log, fs: fs, clock: clock, share: share, root: root}
}

// Ref returns the backup directory for a deployment at the given time.
func (backups *Backups) Ref(id uuid.UUID, when time.Time) string {
	return path.Join(backups.root, "backup", when.UTC().Format("20060102_150405")+"-"+id.String())
}

// Create snapshots every file under the destination root into a new backup
// directory and writes its manifest. Returns the backup reference.
func (backups *Backups) Create(ctx context.Context, id uuid.UUID) (ref string, err error) {
	defer mon.Task()(&ctx)(&err)

	ref = backups.Ref(id, backups.clock.Now())
	if err := backups.fs.CreateDir(ctx, backups.share, ref); err != nil {
		return "", err
	}

	files, err := backups.walk(ctx, backups.root)
	if err != nil {
		return "", err
	}

	manifest := Manifest{
		DeploymentID: id.String(),
		CreatedAt:    backups.clock.Now().UTC(),
		Root:         backups.root,
	}
	for _, file := range files {
		content, err := backups.fs.ReadFile(ctx, backups.share, file)
		if err != nil {
			return "", err
		}
		relative := strings.TrimPrefix(strings.TrimPrefix(file, backups.root), "/")
		target := path.Join(ref, relative)
		if dir := path.Dir(target); dir != ref {
			if err := backups.fs.CreateDir(ctx, backups.share, dir); err != nil {
				return "", err
			}
		}
		if err := backups.fs.WriteFile(ctx, backups.share, target, content); err != nil {
			return "", err
		}
		sum := sha256.Sum256(content)
		manifest.Files = append(manifest.Files, ManifestFile{
			Path: relative,
			Hash: hex.EncodeToString(sum[:]),
			Size: int64(len(content)),
		})
	}

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", Error.Wrap(err)
	}
	if err := backups.fs.WriteFile(ctx, backups.share, path.Join(ref, "manifest.json"), encoded); err != nil {
		return "", err
	}
	backups.log.Info("backup created",
		zap.Stringer("deployment", id),
		zap.String("ref", ref),
		zap.Int("files", len(manifest.Files)))
	return ref, nil
}

// Load reads the manifest of a backup.
func (backups *Backups) Load(ctx context.Context, ref string) (_ *Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := backups.fs.ReadFile(ctx, backups.share, path.Join(ref, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(encoded, &manifest); err != nil {
		return nil, Error.New("malformed manifest in %s: %v", ref, err)
	}
	return &manifest, nil
}

// Restore writes every manifest file back to the destination root and
// deletes destination files the manifest does not know.
func (backups *Backups) Restore(ctx context.Context, ref string) (err error) {
	defer mon.Task()(&ctx)(&err)

	manifest, err := backups.Load(ctx, ref)
	if err != nil {
		return err
	}

	known := map[string]bool{}
	for _, file := range manifest.Files {
		known[path.Join(backups.root, file.Path)] = true
		content, err := backups.fs.ReadFile(ctx, backups.share, path.Join(ref, file.Path))
		if err != nil {
			return err
		}
		target := path.Join(backups.root, file.Path)
		if dir := path.Dir(target); dir != backups.root {
			if err := backups.fs.CreateDir(ctx, backups.share, dir); err != nil {
				return err
			}
		}
		if err := backups.fs.WriteFile(ctx, backups.share, target, content); err != nil {
			return err
		}
	}

	// files created after the snapshot are removed
	current, err := backups.walk(ctx, backups.root)
	if err != nil {
		return err
	}
	for _, file := range current {
		if !known[file] {
			if err := backups.fs.Delete(ctx, backups.share, file); err != nil {
				return err
			}
		}
	}
	backups.log.Info("backup restored", zap.String("ref", ref))
	return nil
}

// Prune deletes backup directories older than the retention cutoff. The
// directory timestamp, not storage metadata, decides age.
func (backups *Backups) Prune(ctx context.Context, olderThan time.Time) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := backups.fs.List(ctx, backups.share, path.Join(backups.root, "backup"))
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if !entry.Dir {
			continue
		}
		stamp, ok := parseBackupStamp(entry.Name)
		if !ok || !stamp.Before(olderThan) {
			continue
		}
		if err := backups.fs.Delete(ctx, backups.share, path.Join(backups.root, "backup", entry.Name)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func parseBackupStamp(name string) (time.Time, bool) {
	idx := strings.Index(name, "-")
	if idx < 0 {
		return time.Time{}, false
	}
	stamp, err := time.Parse("20060102_150405", name[:idx])
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}

// walk lists files under root recursively, skipping the backup directory
// itself.
func (backups *Backups) walk(ctx context.Context, root string) (files []string, err error) {
	entries, err := backups.fs.List(ctx, backups.share, root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		full := path.Join(root, entry.Name)
		if entry.Dir {
			if root == backups.root && entry.Name == "backup" {
				continue
			}
			nested, err := backups.walk(ctx, full)
			if err != nil {
				return nil, err
			}
			files = append(files, nested...)
			continue
		}
		files = append(files, full)
	}
	return files, nil
}

// PruneChore prunes old backups on a fixed interval, outside the apply
// critical path.
type PruneChore struct {
	log     *zap.Logger
	backups *Backups
	clock   clocks.Clock
	config  Config

	Loop *sync2.Cycle
}

// NewPruneChore creates the backup retention chore.
func NewPruneChore(log *zap.Logger, backups *Backups, clock clocks.Clock, config Config) *PruneChore {
	return &PruneChore{
		log:     log,
		backups: backups,
		clock:   clock,
		config:  config,
		Loop:    sync2.NewCycle(config.CleanupInterval),
	}
}

// Run starts the chore.
func (chore *PruneChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		cutoff := chore.clock.Now().AddDate(0, 0, -chore.config.BackupRetentionDays)
		deleted, err := chore.backups.Prune(ctx, cutoff)
		if err != nil {
			chore.log.Error("backup prune failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			chore.log.Info("backups pruned", zap.Int("deleted", deleted))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *PruneChore) Close() error {
	chore.Loop.Close()
	return nil
}
