// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package orchestrate expands orchestration profiles into staged action
// plans and runs them over the worker pool.
package orchestrate

import (
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default orchestrate errs class.
	Error = errs.Class("orchestrate")
)

// ExecutionMode says how actions within a stage run.
type ExecutionMode string

// The execution modes.
const (
	ModeParallel          ExecutionMode = "parallel"
	ModeSequential        ExecutionMode = "sequential"
	ModeDependencyOrdered ExecutionMode = "dependency-ordered"
)

// Selector picks the repositories a profile operates on. Exactly one field
// is set: All, an explicit list, or attribute predicates that must all
// match.
type Selector struct {
	All        bool              `yaml:"all,omitempty"`
	Repos      []string          `yaml:"repos,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// Matches reports whether the selector admits a repository with the given
// attributes.
func (selector Selector) Matches(repository string, attributes map[string]string) bool {
	if selector.All {
		return true
	}
	for _, candidate := range selector.Repos {
		if candidate == repository {
			return true
		}
	}
	if len(selector.Attributes) == 0 {
		return false
	}
	for key, want := range selector.Attributes {
		if attributes[key] != want {
			return false
		}
	}
	return true
}

// Stage is one phase of a profile.
type Stage struct {
	Name      string        `yaml:"name"`
	Execution ExecutionMode `yaml:"execution"`
	Actions   []string      `yaml:"actions"`

	// DependsOn maps an action to the actions it waits for. Only read in
	// dependency-ordered execution.
	DependsOn map[string][]string `yaml:"dependsOn,omitempty"`
}

// Profile is a static orchestration catalog entry.
type Profile struct {
	Name     string        `yaml:"name"`
	Selector Selector      `yaml:"selector"`
	Stages   []Stage       `yaml:"stages"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`

	// CriticalFailureThreshold is the failed-action fraction above which
	// remaining stages are skipped. Zero means any failure is critical.
	CriticalFailureThreshold float64 `yaml:"criticalFailureThreshold,omitempty"`

	RollbackOnFailure bool     `yaml:"rollbackOnFailure,omitempty"`
	Notifications     []string `yaml:"notifications,omitempty"`
}

// Validate checks profile well-formedness.
func (profile *Profile) Validate() error {
	if profile.Name == "" {
		return Error.New("profile without name")
	}
	if len(profile.Stages) == 0 {
		return Error.New("profile %s has no stages", profile.Name)
	}
	if profile.CriticalFailureThreshold < 0 || profile.CriticalFailureThreshold > 1 {
		return Error.New("profile %s critical failure threshold %v outside [0,1]",
			profile.Name, profile.CriticalFailureThreshold)
	}
	for _, stage := range profile.Stages {
		switch stage.Execution {
		case ModeParallel, ModeSequential, ModeDependencyOrdered:
		default:
			return Error.New("profile %s stage %s has unknown execution mode %q",
				profile.Name, stage.Name, stage.Execution)
		}
		if len(stage.Actions) == 0 {
			return Error.New("profile %s stage %s has no actions", profile.Name, stage.Name)
		}
		known := map[string]bool{}
		for _, action := range stage.Actions {
			known[action] = true
		}
		for action, deps := range stage.DependsOn {
			if !known[action] {
				return Error.New("profile %s stage %s orders unknown action %q",
					profile.Name, stage.Name, action)
			}
			for _, dep := range deps {
				if !known[dep] {
					return Error.New("profile %s stage %s action %q depends on unknown %q",
						profile.Name, stage.Name, action, dep)
				}
			}
		}
		if stage.Execution == ModeDependencyOrdered {
			if _, err := topoLayers(stage.Actions, stage.DependsOn); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoLayers orders actions into topological layers; actions within a
// layer have no ordering between them.
func topoLayers(actions []string, dependsOn map[string][]string) (layers [][]string, err error) {
	remaining := map[string]bool{}
	for _, action := range actions {
		remaining[action] = true
	}
	done := map[string]bool{}

	for len(remaining) > 0 {
		var layer []string
		for _, action := range actions {
			if !remaining[action] {
				continue
			}
			ready := true
			for _, dep := range dependsOn[action] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, action)
			}
		}
		if len(layer) == 0 {
			return nil, Error.New("dependency cycle among actions %s", strings.Join(setKeys(remaining), ", "))
		}
		for _, action := range layer {
			delete(remaining, action)
			done[action] = true
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func setKeys(set map[string]bool) (keys []string) {
	for key := range set {
		keys = append(keys, key)
	}
	return keys
}
