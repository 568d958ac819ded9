// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package compliance_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/compliance"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/repohost"
	"gitfleet.io/gitfleet/private/testcontext"
)

// fakeHost serves files from an in-memory tree keyed by owner/repo/path.
type fakeHost struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte)}
}

func (h *fakeHost) put(owner, repo, path string, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[owner+"/"+repo+"/"+path] = content
}

func (h *fakeHost) GetFile(ctx context.Context, owner, repo, path, ref string) (repohost.FileContent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[owner+"/"+repo+"/"+path]
	if !ok {
		return repohost.FileContent{}, faults.New(faults.NotFound, "no such file %q", path)
	}
	sum := sha256.Sum256(content)
	return repohost.FileContent{Content: content, SHA: hex.EncodeToString(sum[:])}, nil
}

func (h *fakeHost) PutFile(ctx context.Context, req repohost.PutFileRequest) (repohost.Commit, error) {
	h.put(req.Owner, req.Repo, req.Path, req.Content)
	return repohost.Commit{SHA: "feedface"}, nil
}

func (h *fakeHost) ListBranches(ctx context.Context, owner, repo string) ([]repohost.Branch, error) {
	return nil, nil
}

func (h *fakeHost) ListCommits(ctx context.Context, owner, repo, branch string, limit int) ([]repohost.Commit, error) {
	return nil, nil
}

func (h *fakeHost) CreateBranch(ctx context.Context, owner, repo, name, fromSHA string) (repohost.Branch, error) {
	return repohost.Branch{Name: name}, nil
}

func (h *fakeHost) ListTags(ctx context.Context, owner, repo string) ([]repohost.Tag, error) {
	return nil, nil
}

func (h *fakeHost) CreatePullRequest(ctx context.Context, req repohost.CreatePullRequestRequest) (repohost.PullRequest, error) {
	return repohost.PullRequest{}, nil
}

func (h *fakeHost) ListPullRequests(ctx context.Context, owner, repo, state string) ([]repohost.PullRequest, error) {
	return nil, nil
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

var canonicalWorkflow = []byte("name: ci\non: push\n")

func catalog() []compliance.Template {
	return []compliance.Template{{
		ID:      "ci-baseline",
		Name:    "CI Baseline",
		Version: "1.2.0",
		Type:    "workflow",
		RequiredFiles: []compliance.RequiredFile{{
			Path:    ".github/workflows/ci.yml",
			Hash:    hashOf(canonicalWorkflow),
			Syntax:  "yaml",
			Content: canonicalWorkflow,
		}},
		RequiredDirectories: []string{".github"},
		ScoringWeights:      compliance.ScoringWeights{Files: 0.5, Directories: 0.2, Content: 0.3},
	}}
}

func newComplianceService(t *testing.T, host repohost.Client) *compliance.Service {
	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, err := compliance.NewService(zaptest.NewLogger(t), host, clock, catalog())
	require.NoError(t, err)
	return service
}

func TestCheckMissingTemplate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	host := newFakeHost()
	service := newComplianceService(t, host)

	result, err := service.Check(ctx, "festion/empty-repo", nil)
	require.NoError(t, err)
	require.False(t, result.Compliant)
	require.Equal(t, []string{"ci-baseline"}, result.MissingTemplates)
	require.NotEmpty(t, result.Issues)
}

func TestCheckCompliantRepository(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	host := newFakeHost()
	host.put("festion", "home-assistant-config", ".github/workflows/ci.yml", canonicalWorkflow)
	service := newComplianceService(t, host)

	result, err := service.Check(ctx, "festion/home-assistant-config", nil)
	require.NoError(t, err)
	require.True(t, result.Compliant)
	require.Equal(t, 100, result.Score)
	require.Equal(t, []string{"ci-baseline"}, result.AppliedTemplates)
}

func TestApplyFixesDrift(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	host := newFakeHost()
	host.put("festion", "home-assistant-config", ".github/workflows/ci.yml", []byte("name: stale\n"))
	service := newComplianceService(t, host)

	before, err := service.Check(ctx, "festion/home-assistant-config", nil)
	require.NoError(t, err)
	require.False(t, before.Compliant)

	after, err := service.Apply(ctx, "festion/home-assistant-config", "ci-baseline")
	require.NoError(t, err)
	require.True(t, after.Compliant)

	stored, err := host.GetFile(ctx, "festion", "home-assistant-config", ".github/workflows/ci.yml", "")
	require.NoError(t, err)
	require.Equal(t, canonicalWorkflow, stored.Content)
}

func TestApplyUnknownTemplate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service := newComplianceService(t, newFakeHost())
	_, err := service.Apply(ctx, "festion/home-assistant-config", "nope")
	require.Equal(t, faults.NotFound, faults.KindOf(err))
}

func TestStatusFiltersByScore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	host := newFakeHost()
	host.put("festion", "good", ".github/workflows/ci.yml", canonicalWorkflow)
	service := newComplianceService(t, host)

	_, err := service.Check(ctx, "festion/good", nil)
	require.NoError(t, err)
	_, err = service.Check(ctx, "festion/bad", nil)
	require.NoError(t, err)

	all, err := service.Status(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	compliant, err := service.Status(ctx, compliance.CompliantThreshold)
	require.NoError(t, err)
	require.Len(t, compliant, 1)
	require.Equal(t, "festion/good", compliant[0].Repository)
}
