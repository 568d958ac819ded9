// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package api_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/api"
	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/compliance"
	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/fleet/metrics"
	"gitfleet.io/gitfleet/fleet/orchestrate"
	"gitfleet.io/gitfleet/fleet/pipeline"
	"gitfleet.io/gitfleet/fleet/repohost"
	"gitfleet.io/gitfleet/private/testcontext"
)

// fakePipelineHost hands out sequential run ids.
type fakePipelineHost struct {
	mu   sync.Mutex
	next int
}

func (h *fakePipelineHost) TriggerWorkflow(ctx context.Context, repository, workflow string, params map[string]string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	return fmt.Sprintf("run-%d", h.next), nil
}

func (h *fakePipelineHost) GetRun(ctx context.Context, repository, runID string) (*pipeline.Run, error) {
	return nil, faults.New(faults.NotFound, "no run %q", runID)
}

// fakeRepoHost serves template files for the compliance endpoints.
type fakeRepoHost struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (h *fakeRepoHost) GetFile(ctx context.Context, owner, repo, path, ref string) (repohost.FileContent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[owner+"/"+repo+"/"+path]
	if !ok {
		return repohost.FileContent{}, faults.New(faults.NotFound, "no such file %q", path)
	}
	sum := sha256.Sum256(content)
	return repohost.FileContent{Content: content, SHA: hex.EncodeToString(sum[:])}, nil
}

func (h *fakeRepoHost) PutFile(ctx context.Context, req repohost.PutFileRequest) (repohost.Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.files == nil {
		h.files = make(map[string][]byte)
	}
	h.files[req.Owner+"/"+req.Repo+"/"+req.Path] = req.Content
	return repohost.Commit{SHA: "feedface"}, nil
}

func (h *fakeRepoHost) ListBranches(ctx context.Context, owner, repo string) ([]repohost.Branch, error) {
	return nil, nil
}

func (h *fakeRepoHost) ListCommits(ctx context.Context, owner, repo, branch string, limit int) ([]repohost.Commit, error) {
	return nil, nil
}

func (h *fakeRepoHost) CreateBranch(ctx context.Context, owner, repo, name, fromSHA string) (repohost.Branch, error) {
	return repohost.Branch{Name: name}, nil
}

func (h *fakeRepoHost) ListTags(ctx context.Context, owner, repo string) ([]repohost.Tag, error) {
	return nil, nil
}

func (h *fakeRepoHost) CreatePullRequest(ctx context.Context, req repohost.CreatePullRequestRequest) (repohost.PullRequest, error) {
	return repohost.PullRequest{}, nil
}

func (h *fakeRepoHost) ListPullRequests(ctx context.Context, owner, repo, state string) ([]repohost.PullRequest, error) {
	return nil, nil
}

type apiFixture struct {
	base     string
	client   *http.Client
	consoles *console.Service
	tokens   map[console.Role]string
}

func newAPIFixture(t *testing.T, ctx *testcontext.Context) *apiFixture {
	log := zaptest.NewLogger(t)
	db, err := fleetdb.Open(ctx, log, fleetdb.Config{
		URL: "sqlite3://file::memory:?_foreign_keys=on&_loc=UTC",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	consoles := console.NewService(log, db, clock, clocks.System{}, console.Config{
		PasswordCost: console.TestPasswordCost,
		SessionTTL:   time.Hour,
	})
	deploys := deploy.NewService(log, db.Deployments(), clock, clocks.System{}, nil, deploy.Config{MaxRetries: 3})
	recorder := metrics.NewService(log, db.Metrics(), clock, metrics.Config{RetentionDays: 90})
	pipelines := pipeline.NewService(log, db.PipelineRuns(), &fakePipelineHost{}, recorder, nil, clock, pipeline.Config{
		TriggersPerMinute: 10, TriggerBurst: 3, CacheCapacity: 10, CacheTTL: time.Minute,
	})

	compliances, err := compliance.NewService(log, &fakeRepoHost{}, clock, []compliance.Template{{
		ID:      "ci-baseline",
		Name:    "CI Baseline",
		Version: "1.0.0",
		Type:    "workflow",
		RequiredFiles: []compliance.RequiredFile{{
			Path:    ".github/workflows/ci.yml",
			Content: []byte("name: ci\n"),
		}},
		ScoringWeights: compliance.ScoringWeights{Files: 1},
	}})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	runner := orchestrate.NewRunner(log, orchestrate.Registry{
		"deploy": orchestrate.NewDeployAction(deploys, "main", "normal"),
	}, clock, orchestrate.Config{Workers: 2})
	profiles := []*orchestrate.Profile{{
		Name:     "config-sync",
		Selector: orchestrate.Selector{All: true},
		Stages: []orchestrate.Stage{{
			Name:      "deploy",
			Execution: orchestrate.ModeSequential,
			Actions:   []string{"deploy"},
		}},
	}}

	server := api.NewServer(log, listener, consoles,
		deploys, db.DeploymentLogs(), db.DeploymentFiles(),
		pipelines, compliances, runner, profiles, nil, db, api.Config{})
	ctx.Go(func() error { return server.Run(ctx) })

	f := &apiFixture{
		base:     "http://" + listener.Addr().String(),
		client:   &http.Client{Timeout: 10 * time.Second},
		consoles: consoles,
		tokens:   make(map[console.Role]string),
	}
	for _, role := range []console.Role{console.RoleAdmin, console.RoleViewer} {
		user, err := consoles.CreateUser(ctx, string(role), string(role)+"@example.com", "pw", role)
		require.NoError(t, err)
		token := "token-" + string(role)
		_, err = consoles.CreateSession(ctx, user.ID, token, time.Hour)
		require.NoError(t, err)
		f.tokens[role] = token
	}
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.base+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestHealthIsOpen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)

	status, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)

	status, body := f.do(t, http.MethodGet, "/deployments", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "authFailed", body["kind"])
	require.NotEmpty(t, body["correlationId"])

	status, _ = f.do(t, http.MethodGet, "/deployments", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestPermissionDenied(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)

	status, body := f.do(t, http.MethodPost, "/deployments", f.tokens[console.RoleViewer], map[string]interface{}{
		"repo": "festion/home-assistant-config", "branch": "main", "priority": "normal",
	})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "authFailed", body["kind"])
}

func TestDeploymentLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)
	admin := f.tokens[console.RoleAdmin]

	status, created := f.do(t, http.MethodPost, "/deployments", admin, map[string]interface{}{
		"repo": "festion/home-assistant-config", "branch": "main", "priority": "high",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "queued", created["status"])
	require.Equal(t, "admin", created["requestedBy"])
	id := created["id"].(string)
	require.NotEmpty(t, id)

	status, fetched := f.do(t, http.MethodGet, "/deployments/"+id, admin, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, fetched["id"])

	status, logs := f.do(t, http.MethodGet, "/deployments/"+id+"/logs", admin, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, logs, "logs")

	status, cancelled := f.do(t, http.MethodPost, "/deployments/"+id+"/cancel", admin, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "cancelled", cancelled["status"])

	// cancel is idempotent
	status, cancelled = f.do(t, http.MethodPost, "/deployments/"+id+"/cancel", admin, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "cancelled", cancelled["status"])

	// a cancelled deployment has no backup, so rollback conflicts
	status, body := f.do(t, http.MethodPost, "/deployments/"+id+"/rollback", admin, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "conflict", body["kind"])
}

func TestDeploymentValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)
	admin := f.tokens[console.RoleAdmin]

	status, body := f.do(t, http.MethodPost, "/deployments", admin, map[string]interface{}{
		"repo": "not-qualified", "branch": "main", "priority": "normal",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validationError", body["kind"])

	status, body = f.do(t, http.MethodGet, "/deployments/not-a-uuid", admin, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validationError", body["kind"])

	status, body = f.do(t, http.MethodGet, "/deployments/123e4567-e89b-42d3-a456-426614174000", admin, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "notFound", body["kind"])
}

func TestPipelineTriggerAndStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)
	admin := f.tokens[console.RoleAdmin]

	status, triggered := f.do(t, http.MethodPost, "/pipelines/trigger", admin, map[string]interface{}{
		"repo": "festion/home-assistant-config", "workflow": "ci",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "run-1", triggered["runId"])

	status, listed := f.do(t, http.MethodGet, "/pipelines/status?repo=festion/home-assistant-config", admin, nil)
	require.Equal(t, http.StatusOK, status)
	runs := listed["runs"].([]interface{})
	require.Len(t, runs, 1)
	run := runs[0].(map[string]interface{})
	require.Equal(t, "run-1", run["runId"])
	require.Equal(t, "pending", run["status"])

	// viewers may look but not trigger
	status, _ = f.do(t, http.MethodPost, "/pipelines/trigger", f.tokens[console.RoleViewer], map[string]interface{}{
		"repo": "festion/home-assistant-config", "workflow": "ci",
	})
	require.Equal(t, http.StatusUnauthorized, status)

	status, summary := f.do(t, http.MethodGet, "/pipelines/metrics?timeRange=1h", admin, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, summary, "successRate")
}

func TestComplianceEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)
	admin := f.tokens[console.RoleAdmin]

	status, checked := f.do(t, http.MethodPost, "/compliance/check", admin, map[string]interface{}{
		"repo": "festion/home-assistant-config",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, checked["compliant"])

	status, applied := f.do(t, http.MethodPost, "/compliance/apply", admin, map[string]interface{}{
		"repo": "festion/home-assistant-config", "template": "ci-baseline",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, applied["compliant"])

	status, listed := f.do(t, http.MethodGet, "/compliance/status?minScore=80", admin, nil)
	require.Equal(t, http.StatusOK, status)
	repos := listed["repositories"].([]interface{})
	require.Len(t, repos, 1)

	// viewers can read but not apply
	status, _ = f.do(t, http.MethodPost, "/compliance/apply", f.tokens[console.RoleViewer], map[string]interface{}{
		"repo": "festion/home-assistant-config", "template": "ci-baseline",
	})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestOrchestrationEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newAPIFixture(t, ctx)
	admin := f.tokens[console.RoleAdmin]

	status, listed := f.do(t, http.MethodGet, "/orchestrations", admin, nil)
	require.Equal(t, http.StatusOK, status)
	profiles := listed["profiles"].([]interface{})
	require.Len(t, profiles, 1)
	require.Equal(t, "config-sync", profiles[0].(map[string]interface{})["name"])

	status, ran := f.do(t, http.MethodPost, "/orchestrations/config-sync", admin, map[string]interface{}{
		"repositories": map[string]map[string]string{"festion/home-assistant-config": {}},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "completed", ran["status"])
	results := ran["results"].([]interface{})
	require.Len(t, results, 1)
	require.Equal(t, "festion/home-assistant-config", results[0].(map[string]interface{})["repository"])

	// the deploy action enqueued a real deployment
	status, deployments := f.do(t, http.MethodGet, "/deployments?repo=festion/home-assistant-config", admin, nil)
	require.Equal(t, http.StatusOK, status)
	rows := deployments["deployments"].([]interface{})
	require.Len(t, rows, 1)
	require.Equal(t, "orchestration", rows[0].(map[string]interface{})["requestedBy"])
	require.Equal(t, "normal", rows[0].(map[string]interface{})["priority"])

	status, body := f.do(t, http.MethodPost, "/orchestrations/nope", admin, map[string]interface{}{
		"repositories": map[string]map[string]string{"festion/home-assistant-config": {}},
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "notFound", body["kind"])

	status, body = f.do(t, http.MethodPost, "/orchestrations/config-sync", admin, map[string]interface{}{
		"repositories": map[string]map[string]string{},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validationError", body["kind"])

	status, _ = f.do(t, http.MethodPost, "/orchestrations/config-sync", f.tokens[console.RoleViewer], map[string]interface{}{
		"repositories": map[string]map[string]string{"festion/home-assistant-config": {}},
	})
	require.Equal(t, http.StatusUnauthorized, status)
}
