// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package webhook_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/fleet/metrics"
	"gitfleet.io/gitfleet/fleet/pipeline"
	"gitfleet.io/gitfleet/fleet/webhook"
	"gitfleet.io/gitfleet/private/kvstore"
	"gitfleet.io/gitfleet/private/testcontext"
)

const testSecret = "hunter2"

type fixture struct {
	handler *webhook.Handler
	db      *fleetdb.DB
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	log := zaptest.NewLogger(t)
	db, err := fleetdb.Open(ctx, log, fleetdb.Config{
		URL: "sqlite3://file::memory:?_foreign_keys=on&_loc=UTC",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	config := webhook.Config{
		Secret:       testSecret,
		MaxBodyBytes: 1024,
		DedupSize:    100,
		DedupTTL:     24 * time.Hour,
		PerSecond:    1000,
		Burst:        1000,
	}

	deploys := deploy.NewService(log, db.Deployments(), clock, clocks.System{}, nil, deploy.Config{MaxRetries: 3})
	recorder := metrics.NewService(log, db.Metrics(), clock, metrics.Config{RetentionDays: 90})
	pipelines := pipeline.NewService(log, db.PipelineRuns(), nil, recorder, nil, clock, pipeline.Config{
		TriggersPerMinute: 10, TriggerBurst: 3, CacheCapacity: 10, CacheTTL: time.Minute,
	})

	dedup := kvstore.NewMemory(config.DedupSize, config.DedupTTL)
	service := webhook.NewService(log, dedup, deploys, pipelines, config)
	return &fixture{
		handler: webhook.NewHandler(log, service, config),
		db:      db,
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) post(event, deliveryID string, body []byte, mangleSignature bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github/"+event, bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	signature := sign(body)
	if mangleSignature {
		signature = "sha256=" + hex.EncodeToString(make([]byte, 32))
	}
	req.Header.Set("X-GitHub-Signature-256", signature)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func pushBody(t *testing.T) []byte {
	body, err := json.Marshal(map[string]interface{}{
		"ref":   "refs/heads/main",
		"after": "0123456789012345678901234567890123456789",
		"repository": map[string]interface{}{
			"full_name": "festion/home-assistant-config",
		},
		"sender": map[string]interface{}{"login": "alice"},
	})
	require.NoError(t, err)
	return body
}

func TestPushCreatesDeployment(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	rec := f.post("push", "delivery-1", pushBody(t), false)
	require.Equal(t, http.StatusOK, rec.Code)

	deployments, err := f.db.Deployments().List(ctx, "festion/home-assistant-config", 10, 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	require.Equal(t, "main", deployments[0].Branch)
	require.Equal(t, deploy.StatusQueued, deployments[0].Status)
	require.Equal(t, "webhook:alice", deployments[0].RequestedBy)
	require.Equal(t, "delivery-1", deployments[0].CorrelationID)
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	const deliveryID = "123e4567-e89b-12d3-a456-426614174000"
	body := pushBody(t)

	first := f.post("push", deliveryID, body, false)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.post("push", deliveryID, body, false)
	require.Equal(t, http.StatusOK, second.Code)
	require.Contains(t, second.Body.String(), `"duplicate":true`)

	// exactly one deployment row
	deployments, err := f.db.Deployments().List(ctx, "festion/home-assistant-config", 10, 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
}

func TestBadSignatureRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	rec := f.post("push", "delivery-1", pushBody(t), true)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authFailed")

	deployments, err := f.db.Deployments().List(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Empty(t, deployments)
}

func TestSchemaViolationRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	body, err := json.Marshal(map[string]interface{}{
		"repository": map[string]interface{}{"full_name": "festion/home-assistant-config"},
		// push without ref/after
	})
	require.NoError(t, err)

	rec := f.post("push", "delivery-1", body, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "validationError")
}

func TestUnknownEventRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	rec := f.post("deployment_status", "delivery-1", pushBody(t), false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOversizeBodyRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	rec := f.post("push", "delivery-1", bytes.Repeat([]byte{'x'}, 2048), false)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWorkflowRunUpdatesPipeline(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	body, err := json.Marshal(map[string]interface{}{
		"repository": map[string]interface{}{"full_name": "festion/home-assistant-config"},
		"sender":     map[string]interface{}{"login": "alice"},
		"workflow_run": map[string]interface{}{
			"id":             424242,
			"name":           "ci",
			"head_branch":    "main",
			"status":         "in_progress",
			"run_started_at": started.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	rec := f.post("workflow_run", "delivery-wr", body, false)
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := f.db.PipelineRuns().Get(ctx, "festion/home-assistant-config", "424242")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunRunning, run.Status)
	require.Equal(t, "ci", run.WorkflowName)
}
