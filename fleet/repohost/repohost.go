// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package repohost talks to the code hosting service through an external
// tool wrapper.
package repohost

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default repohost errs class.
	Error = errs.Class("repohost")
)

// FileContent is a file fetched from the host together with its blob sha.
type FileContent struct {
	Content []byte `json:"content"`
	SHA     string `json:"sha"`
}

// Commit identifies a commit on the host.
type Commit struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Branch is a branch reference.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
}

// Tag is a tag reference.
type Tag struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// PullRequest is a pull request summary.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Head      string    `json:"head"`
	Base      string    `json:"base"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// PutFileRequest describes a file write. SHA must carry the known blob sha
// when updating an existing file; the host rejects blind overwrites.
type PutFileRequest struct {
	Owner   string
	Repo    string
	Path    string
	Content []byte
	Message string
	Branch  string
	SHA     string
}

// CreatePullRequestRequest describes a new pull request.
type CreatePullRequestRequest struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string
	Base  string
}

// Client is the code host capability.
//
// Read-after-write consistency is not assumed; callers pass the sha they
// read when updating. Failures carry the faults taxonomy: notFound,
// conflict, rateLimited with a retry hint, or transport.
type Client interface {
	GetFile(ctx context.Context, owner, repo, path, ref string) (FileContent, error)
	PutFile(ctx context.Context, req PutFileRequest) (Commit, error)
	ListBranches(ctx context.Context, owner, repo string) ([]Branch, error)
	ListCommits(ctx context.Context, owner, repo, branch string, limit int) ([]Commit, error)
	CreateBranch(ctx context.Context, owner, repo, name, fromSHA string) (Branch, error)
	ListTags(ctx context.Context, owner, repo string) ([]Tag, error)
	CreatePullRequest(ctx context.Context, req CreatePullRequestRequest) (PullRequest, error)
	ListPullRequests(ctx context.Context, owner, repo, state string) ([]PullRequest, error)
}
