// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/orchestrate"
	"gitfleet.io/gitfleet/fleet/pipeline"
)

// deploymentView is the wire form of a deployment.
type deploymentView struct {
	ID           string            `json:"id"`
	Repository   string            `json:"repository"`
	Branch       string            `json:"branch"`
	Commit       string            `json:"commit,omitempty"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	RequestedBy  string            `json:"requestedBy"`
	RequestedAt  time.Time         `json:"requestedAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	RetryCount   int               `json:"retryCount"`
	MaxRetries   int               `json:"maxRetries"`
	BackupRef    string            `json:"backupRef,omitempty"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	OriginalID   string            `json:"originalDeploymentId,omitempty"`
	RollbackID   string            `json:"rollbackId,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Correlation  string            `json:"correlationId,omitempty"`
}

func viewDeployment(deployment *deploy.Deployment) deploymentView {
	view := deploymentView{
		ID:           deployment.ID.String(),
		Repository:   deployment.Repository,
		Branch:       deployment.Branch,
		Commit:       deployment.Commit,
		Status:       string(deployment.Status),
		Priority:     deployment.Priority.String(),
		RequestedBy:  deployment.RequestedBy,
		RequestedAt:  deployment.RequestedAt,
		StartedAt:    deployment.StartedAt,
		CompletedAt:  deployment.CompletedAt,
		RetryCount:   deployment.RetryCount,
		MaxRetries:   deployment.MaxRetries,
		BackupRef:    deployment.BackupRef,
		ErrorKind:    deployment.ErrorKind,
		ErrorMessage: deployment.ErrorMessage,
		Parameters:   deployment.Parameters,
		Correlation:  deployment.CorrelationID,
	}
	if deployment.OriginalDeploymentID != nil {
		view.OriginalID = deployment.OriginalDeploymentID.String()
	}
	if deployment.RollbackID != nil {
		view.RollbackID = deployment.RollbackID.String()
	}
	return view
}

func viewDeployments(deployments []*deploy.Deployment) []deploymentView {
	views := make([]deploymentView, 0, len(deployments))
	for _, deployment := range deployments {
		views = append(views, viewDeployment(deployment))
	}
	return views
}

// runView is the wire form of a pipeline run.
type runView struct {
	Repository      string     `json:"repository"`
	RunID           string     `json:"runId"`
	Branch          string     `json:"branch,omitempty"`
	WorkflowName    string     `json:"workflowName,omitempty"`
	Status          string     `json:"status"`
	Conclusion      string     `json:"conclusion,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DurationSeconds float64    `json:"durationSeconds,omitempty"`
	Commit          string     `json:"commit,omitempty"`
	Actor           string     `json:"actor,omitempty"`
}

func viewRun(run *pipeline.Run) runView {
	view := runView{
		Repository:   run.Repository,
		RunID:        run.RunID,
		Branch:       run.Branch,
		WorkflowName: run.WorkflowName,
		Status:       string(run.Status),
		Conclusion:   run.Conclusion,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Commit:       run.Commit,
		Actor:        run.Actor,
	}
	if duration, ok := run.Duration(); ok {
		view.DurationSeconds = duration.Seconds()
	}
	return view
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health, err := server.db.HealthCheck(ctx)
	payload := map[string]interface{}{
		"status": "ok",
		"store":  health,
	}
	if err != nil || !health.Reachable {
		payload["status"] = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	server.reply(w, r, payload, nil)
}

func (server *Server) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := server.paging(r)

	runs, err := server.pipelines.List(ctx, r.URL.Query().Get("repo"), limit, offset)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewRun(run))
	}
	server.reply(w, r, map[string]interface{}{"runs": views}, nil)
}

func (server *Server) pipelineTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var request struct {
		Repo     string            `json:"repo"`
		Workflow string            `json:"workflow"`
		Params   map[string]string `json:"params"`
	}
	if err := decode(r, &request); err != nil {
		server.reply(w, r, nil, err)
		return
	}
	if request.Repo == "" || request.Workflow == "" {
		server.reply(w, r, nil, faults.New(faults.Validation, "repo and workflow are required"))
		return
	}

	runID, err := server.pipelines.Trigger(ctx, callerOf(ctx).Name, request.Repo, request.Workflow, request.Params)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, map[string]string{"runId": runID}, nil)
}

func (server *Server) pipelineMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("timeRange"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			server.reply(w, r, nil, faults.New(faults.Validation, "malformed timeRange %q", raw))
			return
		}
		window = parsed
	}

	summary, err := server.pipelines.Metrics(ctx, r.URL.Query().Get("repo"), window)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, map[string]interface{}{
		"total":                 summary.Total,
		"successful":            summary.Successful,
		"failed":                summary.Failed,
		"cancelled":             summary.Cancelled,
		"successRate":           summary.SuccessRate,
		"failureRate":           summary.FailureRate,
		"avgDurationSeconds":    summary.AvgDuration.Seconds(),
		"medianDurationSeconds": summary.MedianDuration.Seconds(),
	}, nil)
}

func (server *Server) complianceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	minScore := 0
	if raw := r.URL.Query().Get("minScore"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 100 {
			server.reply(w, r, nil, faults.New(faults.Validation, "minScore must be 0..100, got %q", raw))
			return
		}
		minScore = parsed
	}

	results, err := server.compliances.Status(ctx, minScore)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, map[string]interface{}{"repositories": results}, nil)
}

func (server *Server) complianceCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var request struct {
		Repo      string   `json:"repo"`
		Templates []string `json:"templates"`
	}
	if err := decode(r, &request); err != nil {
		server.reply(w, r, nil, err)
		return
	}
	if request.Repo == "" {
		server.reply(w, r, nil, faults.New(faults.Validation, "repo is required"))
		return
	}

	result, err := server.compliances.Check(ctx, request.Repo, request.Templates)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, result, nil)
}

func (server *Server) complianceApply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var request struct {
		Repo     string `json:"repo"`
		Template string `json:"template"`
	}
	if err := decode(r, &request); err != nil {
		server.reply(w, r, nil, err)
		return
	}
	if request.Repo == "" || request.Template == "" {
		server.reply(w, r, nil, faults.New(faults.Validation, "repo and template are required"))
		return
	}

	result, err := server.compliances.Apply(ctx, request.Repo, request.Template)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, result, nil)
}

func (server *Server) deploymentCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var request struct {
		Repo       string            `json:"repo"`
		Branch     string            `json:"branch"`
		Commit     string            `json:"commit"`
		Priority   string            `json:"priority"`
		Parameters map[string]string `json:"parameters"`
	}
	if err := decode(r, &request); err != nil {
		server.reply(w, r, nil, err)
		return
	}

	deployment, err := server.deploys.Create(ctx, deploy.Request{
		Repository:  request.Repo,
		Branch:      request.Branch,
		Commit:      request.Commit,
		Priority:    request.Priority,
		RequestedBy: callerOf(ctx).Name,
		Parameters:  request.Parameters,
	})
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, viewDeployment(deployment), nil)
}

func (server *Server) deploymentList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := server.paging(r)

	deployments, err := server.deploys.List(ctx, r.URL.Query().Get("repo"), limit, offset)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, map[string]interface{}{"deployments": viewDeployments(deployments)}, nil)
}

func (server *Server) deploymentGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := deploymentID(r)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	deployment, err := server.deploys.Get(ctx, id)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, viewDeployment(deployment), nil)
}

func (server *Server) deploymentLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := deploymentID(r)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	// the deployment must exist, 404 otherwise
	if _, err := server.deploys.Get(ctx, id); err != nil {
		server.reply(w, r, nil, err)
		return
	}

	limit, offset := server.paging(r)
	logs, err := server.deployLogs.ListByDeployment(ctx, id, limit, offset)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	files, err := server.deployFiles.ListByDeployment(ctx, id)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, map[string]interface{}{"logs": logs, "files": files}, nil)
}

func (server *Server) deploymentCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := deploymentID(r)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	if err := server.deploys.Cancel(ctx, id); err != nil {
		server.reply(w, r, nil, err)
		return
	}
	deployment, err := server.deploys.Get(ctx, id)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, viewDeployment(deployment), nil)
}

func (server *Server) deploymentRollback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := deploymentID(r)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	rollback, err := server.deploys.Rollback(ctx, id, callerOf(ctx).Name)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, viewDeployment(rollback), nil)
}

func deploymentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.UUID{}, faults.New(faults.Validation, "malformed deployment id")
	}
	return id, nil
}

func decode(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return faults.New(faults.Validation, "malformed request body: %v", err)
	}
	return nil
}

func (server *Server) paging(r *http.Request) (limit, offset int) {
	limit = server.config.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > server.config.MaxLimit {
		limit = server.config.MaxLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// orchestrationProfileView is the wire form of a profile summary.
type orchestrationProfileView struct {
	Name              string   `json:"name"`
	Stages            []string `json:"stages"`
	Timeout           string   `json:"timeout,omitempty"`
	RollbackOnFailure bool     `json:"rollbackOnFailure"`
}

// orchestrationActionView is the wire form of one executed action.
type orchestrationActionView struct {
	Stage      string    `json:"stage"`
	Action     string    `json:"action"`
	Repository string    `json:"repository"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// orchestrationResultView is the wire form of a finished orchestration.
type orchestrationResultView struct {
	Profile       string                    `json:"profile"`
	Status        string                    `json:"status"`
	Failed        int                       `json:"failed"`
	SkippedStages []string                  `json:"skippedStages,omitempty"`
	Results       []orchestrationActionView `json:"results"`
}

func viewOrchestration(result *orchestrate.Result) orchestrationResultView {
	view := orchestrationResultView{
		Profile:       result.Profile,
		Status:        string(result.Status),
		Failed:        result.Failed(),
		SkippedStages: result.SkippedStages,
		Results:       make([]orchestrationActionView, 0, len(result.Results)),
	}
	for _, action := range result.Results {
		actionView := orchestrationActionView{
			Stage:      action.Stage,
			Action:     action.Action,
			Repository: action.Repository,
			StartedAt:  action.StartedAt,
			FinishedAt: action.FinishedAt,
		}
		if action.Err != nil {
			actionView.Error = action.Err.Error()
		}
		view.Results = append(view.Results, actionView)
	}
	return view
}

func (server *Server) orchestrationList(w http.ResponseWriter, r *http.Request) {
	views := make([]orchestrationProfileView, 0, len(server.orchestration))
	for _, profile := range server.orchestration {
		view := orchestrationProfileView{
			Name:              profile.Name,
			Stages:            make([]string, 0, len(profile.Stages)),
			RollbackOnFailure: profile.RollbackOnFailure,
		}
		if profile.Timeout > 0 {
			view.Timeout = profile.Timeout.String()
		}
		for _, stage := range profile.Stages {
			view.Stages = append(view.Stages, stage.Name)
		}
		views = append(views, view)
	}
	server.reply(w, r, map[string]interface{}{"profiles": views}, nil)
}

func (server *Server) orchestrationRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["profile"]

	var request struct {
		Repositories map[string]map[string]string `json:"repositories"`
	}
	if err := decode(r, &request); err != nil {
		server.reply(w, r, nil, err)
		return
	}
	if len(request.Repositories) == 0 {
		server.reply(w, r, nil, faults.New(faults.Validation, "repositories are required"))
		return
	}

	var profile *orchestrate.Profile
	for _, candidate := range server.orchestration {
		if candidate.Name == name {
			profile = candidate
			break
		}
	}
	if profile == nil {
		server.reply(w, r, nil, faults.New(faults.NotFound, "unknown profile %q", name))
		return
	}

	server.log.Info("orchestration requested",
		zap.String("profile", name),
		zap.String("principal", callerOf(ctx).Name))

	result, err := server.orchestrator.Run(ctx, profile, request.Repositories)
	if err != nil {
		server.reply(w, r, nil, err)
		return
	}
	server.reply(w, r, viewOrchestration(result), nil)
}
