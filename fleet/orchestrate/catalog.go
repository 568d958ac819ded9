// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package orchestrate

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"gitfleet.io/gitfleet/fleet/deploy"
)

// profileDoc is the yaml form of a profile; timeouts are duration strings
// like "30m".
type profileDoc struct {
	Name                     string   `yaml:"name"`
	Selector                 Selector `yaml:"selector"`
	Stages                   []Stage  `yaml:"stages"`
	Timeout                  string   `yaml:"timeout,omitempty"`
	CriticalFailureThreshold float64  `yaml:"criticalFailureThreshold,omitempty"`
	RollbackOnFailure        bool     `yaml:"rollbackOnFailure,omitempty"`
	Notifications            []string `yaml:"notifications,omitempty"`
}

func (doc *profileDoc) profile() (*Profile, error) {
	profile := &Profile{
		Name:                     doc.Name,
		Selector:                 doc.Selector,
		Stages:                   doc.Stages,
		CriticalFailureThreshold: doc.CriticalFailureThreshold,
		RollbackOnFailure:        doc.RollbackOnFailure,
		Notifications:            doc.Notifications,
	}
	if doc.Timeout != "" {
		timeout, err := time.ParseDuration(doc.Timeout)
		if err != nil {
			return nil, Error.New("profile %s has malformed timeout %q", doc.Name, doc.Timeout)
		}
		profile.Timeout = timeout
	}
	return profile, nil
}

// LoadProfiles reads every yaml profile definition in dir. A missing
// directory yields an empty catalog.
func LoadProfiles(dir string) ([]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}

	var profiles []*Profile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		var doc profileDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, Error.New("parsing %s: %v", entry.Name(), err)
		}
		profile, err := doc.profile()
		if err != nil {
			return nil, err
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// DeployAction enqueues a deployment for each selected repository. Its
// checkpoint cancels the deployment while pending and restores the backup
// once it finished.
type DeployAction struct {
	deploys  *deploy.Service
	branch   string
	priority string
}

// NewDeployAction creates the deployment enqueue action.
func NewDeployAction(deploys *deploy.Service, branch, priority string) *DeployAction {
	if branch == "" {
		branch = "main"
	}
	if priority == "" {
		priority = "normal"
	}
	return &DeployAction{deploys: deploys, branch: branch, priority: priority}
}

// Run implements Action.
func (action *DeployAction) Run(ctx context.Context, repository string) (Checkpoint, error) {
	deployment, err := action.deploys.Create(ctx, deploy.Request{
		Repository:  repository,
		Branch:      action.branch,
		Priority:    action.priority,
		RequestedBy: "orchestration",
	})
	if err != nil {
		return nil, err
	}
	return &deployCheckpoint{deploys: action.deploys, id: deployment.ID}, nil
}

type deployCheckpoint struct {
	deploys *deploy.Service
	id      uuid.UUID
}

// Rollback implements Checkpoint.
func (checkpoint *deployCheckpoint) Rollback(ctx context.Context) error {
	deployment, err := checkpoint.deploys.Get(ctx, checkpoint.id)
	if err != nil {
		return err
	}
	if !deployment.Status.Terminal() {
		return checkpoint.deploys.Cancel(ctx, checkpoint.id)
	}
	if deployment.BackupRef == "" {
		return nil // nothing was applied, nothing to restore
	}
	_, err = checkpoint.deploys.Rollback(ctx, checkpoint.id, "orchestration")
	return err
}
