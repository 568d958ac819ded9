// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package repohost

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/private/toolexec"
)

// Config configures the tool-backed client.
type Config struct {
	Tool    string        `help:"path to the code host tool wrapper" default:"gitfleet-hosttool"`
	Timeout time.Duration `help:"hard timeout for a single tool invocation" default:"30s"`
}

// ToolClient implements Client by shelling out to a wrapper binary.
type ToolClient struct {
	log    *zap.Logger
	runner *toolexec.Runner
}

// NewToolClient creates a tool-backed client.
func NewToolClient(log *zap.Logger, config Config) *ToolClient {
	return &ToolClient{
		log:    log,
		runner: toolexec.NewRunner(log, config.Tool, config.Timeout),
	}
}

// GetFile fetches a file at an optional ref.
func (client *ToolClient) GetFile(ctx context.Context, owner, repo, path, ref string) (_ FileContent, err error) {
	defer mon.Task()(&ctx)(&err)

	args := []string{"get-file", "--owner", owner, "--repo", repo, "--path", path}
	if ref != "" {
		args = append(args, "--ref", ref)
	}
	var out struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := client.runner.Run(ctx, &out, nil, args...); err != nil {
		return FileContent{}, err
	}
	content, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return FileContent{}, Error.New("malformed file content: %v", err)
	}
	return FileContent{Content: content, SHA: out.SHA}, nil
}

// PutFile creates or updates a file. The content travels over stdin so that
// argument length limits never apply.
func (client *ToolClient) PutFile(ctx context.Context, req PutFileRequest) (_ Commit, err error) {
	defer mon.Task()(&ctx)(&err)

	args := []string{
		"put-file",
		"--owner", req.Owner, "--repo", req.Repo, "--path", req.Path,
		"--message", req.Message, "--branch", req.Branch,
	}
	if req.SHA != "" {
		args = append(args, "--sha", req.SHA)
	}
	var commit Commit
	if err := client.runner.Run(ctx, &commit, req.Content, args...); err != nil {
		return Commit{}, err
	}
	return commit, nil
}

// ListBranches returns the branches of a repository.
func (client *ToolClient) ListBranches(ctx context.Context, owner, repo string) (branches []Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.runner.Run(ctx, &branches, nil, "list-branches", "--owner", owner, "--repo", repo)
	return branches, err
}

// ListCommits returns the most recent commits on a branch.
func (client *ToolClient) ListCommits(ctx context.Context, owner, repo, branch string, limit int) (commits []Commit, err error) {
	defer mon.Task()(&ctx)(&err)

	args := []string{"list-commits", "--owner", owner, "--repo", repo, "--branch", branch}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}
	err = client.runner.Run(ctx, &commits, nil, args...)
	return commits, err
}

// CreateBranch creates a branch pointing at fromSHA.
func (client *ToolClient) CreateBranch(ctx context.Context, owner, repo, name, fromSHA string) (_ Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	var branch Branch
	err = client.runner.Run(ctx, &branch, nil,
		"create-branch", "--owner", owner, "--repo", repo, "--name", name, "--from", fromSHA)
	return branch, err
}

// ListTags returns the tags of a repository.
func (client *ToolClient) ListTags(ctx context.Context, owner, repo string) (tags []Tag, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.runner.Run(ctx, &tags, nil, "list-tags", "--owner", owner, "--repo", repo)
	return tags, err
}

// CreatePullRequest opens a pull request.
func (client *ToolClient) CreatePullRequest(ctx context.Context, req CreatePullRequestRequest) (_ PullRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	var pr PullRequest
	err = client.runner.Run(ctx, &pr, []byte(req.Body),
		"create-pull-request",
		"--owner", req.Owner, "--repo", req.Repo,
		"--title", req.Title, "--head", req.Head, "--base", req.Base)
	return pr, err
}

// ListPullRequests returns pull requests filtered by state.
func (client *ToolClient) ListPullRequests(ctx context.Context, owner, repo, state string) (prs []PullRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	args := []string{"list-pull-requests", "--owner", owner, "--repo", repo}
	if state != "" {
		args = append(args, "--state", state)
	}
	err = client.runner.Run(ctx, &prs, nil, args...)
	return prs, err
}
