// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/remotefs"
)

// ValidationIssue is one problem found while validating a change set.
type ValidationIssue struct {
	Path   string
	Reason string
}

func (issue ValidationIssue) String() string {
	return issue.Path + ": " + issue.Reason
}

// Validator checks a change set before it touches the destination.
type Validator struct {
	maxFileBytes int64
	platforms    map[string]bool
}

// NewValidator creates a validator from the engine config.
func NewValidator(config Config) *Validator {
	platforms := make(map[string]bool, len(config.AllowedPlatforms))
	for _, platform := range config.AllowedPlatforms {
		platforms[strings.ToLower(strings.TrimSpace(platform))] = true
	}
	return &Validator{
		maxFileBytes: config.MaxFileBytes,
		platforms:    platforms,
	}
}

// Validate returns every issue in the change set. A non-empty result makes
// the deployment fail validation; issues are not errors so they can all be
// reported at once.
func (validator *Validator) Validate(changes *ChangeSet) (issues []ValidationIssue) {
	for _, file := range changes.Files {
		issues = append(issues, validator.validateFile(file)...)
	}
	for _, path := range changes.Deletes {
		if err := remotefs.ValidatePath(path, nil); err != nil {
			issues = append(issues, ValidationIssue{Path: path, Reason: "unsafe delete path"})
		}
	}
	return issues
}

func (validator *Validator) validateFile(file ChangeFile) (issues []ValidationIssue) {
	if err := remotefs.ValidatePath(file.Path, nil); err != nil {
		issues = append(issues, ValidationIssue{Path: file.Path, Reason: "unsafe path"})
		return issues
	}
	if int64(len(file.Content)) > validator.maxFileBytes {
		issues = append(issues, ValidationIssue{
			Path:   file.Path,
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(file.Content), validator.maxFileBytes),
		})
		return issues
	}
	if !isYAMLPath(file.Path) {
		return issues
	}

	var document yaml.Node
	if err := yaml.Unmarshal(file.Content, &document); err != nil {
		issues = append(issues, ValidationIssue{Path: file.Path, Reason: "yaml syntax: " + err.Error()})
		return issues
	}
	for _, platform := range collectPlatforms(&document) {
		if !validator.platforms[strings.ToLower(platform)] {
			issues = append(issues, ValidationIssue{
				Path:   file.Path,
				Reason: "platform " + platform + " is not whitelisted",
			})
		}
	}
	return issues
}

// Error folds issues into a single validation fault.
func (validator *Validator) Error(issues []ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	fault := faults.New(faults.Validation, "change set failed validation with %d issues", len(issues))
	for i, issue := range issues {
		fault = fault.WithDetail(fmt.Sprintf("issue.%d", i), issue.String())
	}
	return fault
}

func isYAMLPath(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// collectPlatforms walks the YAML document collecting values of "platform"
// keys wherever they appear.
func collectPlatforms(node *yaml.Node) (platforms []string) {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if key.Value == "platform" && value.Kind == yaml.ScalarNode {
				platforms = append(platforms, value.Value)
			}
			platforms = append(platforms, collectPlatforms(value)...)
		}
		return platforms
	}
	for _, child := range node.Content {
		platforms = append(platforms, collectPlatforms(child)...)
	}
	return platforms
}
