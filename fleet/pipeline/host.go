// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/private/toolexec"
)

// Host is the slice of the code host the supervisor needs: starting
// workflows and observing their runs.
type Host interface {
	// TriggerWorkflow starts a workflow and returns the host run id.
	TriggerWorkflow(ctx context.Context, repository, workflow string, params map[string]string) (runID string, err error)

	// GetRun returns the host's current view of a run.
	GetRun(ctx context.Context, repository, runID string) (*Run, error)
}

// HostConfig configures the tool-backed host.
type HostConfig struct {
	Tool    string        `help:"path to the code host tool wrapper" default:"gitfleet-hosttool"`
	Timeout time.Duration `help:"hard timeout for a single tool invocation" default:"30s"`
}

// ToolHost implements Host by shelling out to the code host tool wrapper.
type ToolHost struct {
	log    *zap.Logger
	runner *toolexec.Runner
}

// NewToolHost creates a tool-backed host.
func NewToolHost(log *zap.Logger, config HostConfig) *ToolHost {
	return &ToolHost{
		log:    log,
		runner: toolexec.NewRunner(log, config.Tool, config.Timeout),
	}
}

// TriggerWorkflow starts a workflow run. Parameters travel over stdin as
// JSON.
func (host *ToolHost) TriggerWorkflow(ctx context.Context, repository, workflow string, params map[string]string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	stdin, err := json.Marshal(params)
	if err != nil {
		return "", Error.Wrap(err)
	}
	var out struct {
		RunID string `json:"runId"`
	}
	err = host.runner.Run(ctx, &out, stdin,
		"trigger-workflow", "--repo", repository, "--workflow", workflow)
	if err != nil {
		return "", err
	}
	return out.RunID, nil
}

// GetRun fetches a run snapshot.
func (host *ToolHost) GetRun(ctx context.Context, repository, runID string) (_ *Run, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Branch       string      `json:"branch"`
		WorkflowName string      `json:"workflowName"`
		Status       string      `json:"status"`
		Conclusion   string      `json:"conclusion"`
		StartedAt    *time.Time  `json:"startedAt"`
		CompletedAt  *time.Time  `json:"completedAt"`
		Commit       string      `json:"commit"`
		Actor        string      `json:"actor"`
		Jobs         []Job       `json:"jobs"`
		Steps        []Step      `json:"steps"`
	}
	err = host.runner.Run(ctx, &out, nil, "get-run", "--repo", repository, "--run-id", runID)
	if err != nil {
		return nil, err
	}
	return &Run{
		Repository:   repository,
		RunID:        runID,
		Branch:       out.Branch,
		WorkflowName: out.WorkflowName,
		Status:       RunStatus(out.Status),
		Conclusion:   out.Conclusion,
		StartedAt:    out.StartedAt,
		CompletedAt:  out.CompletedAt,
		Commit:       out.Commit,
		Actor:        out.Actor,
		Jobs:         out.Jobs,
		Steps:        out.Steps,
	}, nil
}
