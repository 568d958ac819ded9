// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/repohost"
)

// ChangeFile is one file fetched from the repository for deployment.
type ChangeFile struct {
	Path    string
	Content []byte
	SHA     string
}

// ChangeSet is the resolved source of a deployment.
type ChangeSet struct {
	Commit  string
	Files   []ChangeFile
	Deletes []string
}

// Resolver fetches the deployment source from the code host.
type Resolver struct {
	log    *zap.Logger
	host   repohost.Client
	config Config
}

// NewResolver creates a resolver.
func NewResolver(log *zap.Logger, host repohost.Client, config Config) *Resolver {
	return &Resolver{log: log, host: host, config: config}
}

const resolveCommitWindow = 100

// Resolve fetches the change set for a deployment. The target commit must
// be reachable from the deployment branch; anything else is a policy
// violation since nothing on that branch produced it.
func (resolver *Resolver) Resolve(ctx context.Context, deployment *Deployment) (_ *ChangeSet, err error) {
	defer mon.Task()(&ctx)(&err)

	owner, repo, err := splitRepository(deployment.Repository)
	if err != nil {
		return nil, err
	}

	commits, err := resolver.host.ListCommits(ctx, owner, repo, deployment.Branch, resolveCommitWindow)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, faults.New(faults.PolicyViolation, "branch %s of %s has no commits", deployment.Branch, deployment.Repository)
	}

	commit := deployment.Commit
	if commit == "" {
		commit = commits[0].SHA
	} else if !containsCommit(commits, commit) {
		return nil, faults.New(faults.PolicyViolation,
			"commit %s is not reachable from branch %s", commit, deployment.Branch)
	}

	changes := &ChangeSet{Commit: commit}
	for _, path := range resolver.paths(deployment) {
		file, err := resolver.host.GetFile(ctx, owner, repo, path, commit)
		if err != nil {
			return nil, err
		}
		changes.Files = append(changes.Files, ChangeFile{
			Path:    path,
			Content: file.Content,
			SHA:     file.SHA,
		})
	}
	changes.Deletes = splitList(deployment.Parameters["delete"])
	return changes, nil
}

func (resolver *Resolver) paths(deployment *Deployment) []string {
	if requested := splitList(deployment.Parameters["paths"]); len(requested) > 0 {
		return requested
	}
	return resolver.config.DeployPaths
}

func splitRepository(repository string) (owner, repo string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", faults.New(faults.Validation, "repository must be owner/name, got %q", repository)
	}
	return parts[0], parts[1], nil
}

func containsCommit(commits []repohost.Commit, sha string) bool {
	for _, commit := range commits {
		if commit.SHA == sha {
			return true
		}
	}
	return false
}

func splitList(value string) (items []string) {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
