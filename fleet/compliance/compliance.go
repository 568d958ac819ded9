// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package compliance scores repositories against declarative templates.
package compliance

import (
	"math"
	"time"

	"github.com/blang/semver/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default compliance errs class.
	Error = errs.Class("compliance")
)

// CompliantThreshold is the minimum compliant score.
const CompliantThreshold = 80

// weightEpsilon tolerates float drift when checking scoring weights.
const weightEpsilon = 1e-6

// RequiredFile is a file a template expects in the repository.
type RequiredFile struct {
	Path string `yaml:"path"`

	// Hash pins the expected content; a mismatch marks the file modified.
	Hash string `yaml:"hash,omitempty"`

	// VersionKey names the repository metadata entry holding the installed
	// version; VersionRange is a semver range it must satisfy.
	VersionKey   string `yaml:"versionKey,omitempty"`
	VersionRange string `yaml:"versionRange,omitempty"`

	// Syntax names a validator run over the file content, e.g. "yaml".
	Syntax string `yaml:"syntax,omitempty"`

	// Content is the canonical file body; apply writes it to repositories
	// that are missing or diverging.
	Content []byte `yaml:"content,omitempty"`
}

// ScoringWeights splits the template score between concerns. The weights
// must sum to 1 within a small epsilon.
type ScoringWeights struct {
	Files       float64 `yaml:"files"`
	Directories float64 `yaml:"directories"`
	Content     float64 `yaml:"content"`
}

// Valid reports whether the weights sum to 1.
func (weights ScoringWeights) Valid() bool {
	sum := weights.Files + weights.Directories + weights.Content
	return math.Abs(sum-1) <= weightEpsilon
}

// Template is a declarative bundle of requirements.
type Template struct {
	ID                  string         `yaml:"id"`
	Name                string         `yaml:"name"`
	Version             string         `yaml:"version"`
	Type                string         `yaml:"type"`
	RequiredFiles       []RequiredFile `yaml:"requiredFiles"`
	RequiredDirectories []string       `yaml:"requiredDirectories"`
	ScoringWeights      ScoringWeights `yaml:"scoringWeights"`
}

// Validate checks template well-formedness.
func (template *Template) Validate() error {
	if template.ID == "" {
		return Error.New("template without id")
	}
	if _, err := semver.Parse(template.Version); err != nil {
		return Error.New("template %s has malformed version %q: %v", template.ID, template.Version, err)
	}
	if !template.ScoringWeights.Valid() {
		return Error.New("template %s scoring weights do not sum to 1", template.ID)
	}
	return nil
}

// IssueType classifies a compliance issue.
type IssueType string

// The issue types.
const (
	IssueMissing  IssueType = "missing"
	IssueOutdated IssueType = "outdated"
	IssueModified IssueType = "modified"
	IssueInvalid  IssueType = "invalid"
)

// Severity ranks an issue.
type Severity string

// The severities, with their score weights.
const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Weight returns the scoring weight of the severity.
func (severity Severity) Weight() float64 {
	switch severity {
	case SeverityHigh:
		return 1.0
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.3
	}
	return 0
}

func (severity Severity) rank() int {
	switch severity {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Issue is a single non-conforming item found during evaluation.
type Issue struct {
	Type           IssueType `json:"type"`
	Severity       Severity  `json:"severity"`
	Template       string    `json:"template"`
	File           string    `json:"file,omitempty"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation,omitempty"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// Result is the compliance verdict for one repository.
type Result struct {
	Repository       string   `json:"repository"`
	AppliedTemplates []string `json:"appliedTemplates,omitempty"`
	MissingTemplates []string `json:"missingTemplates,omitempty"`
	Issues           []Issue  `json:"issues,omitempty"`
	Score            int      `json:"score"`
	Compliant        bool     `json:"compliant"`
}

// Inventory is the repository state evaluation runs against.
type Inventory struct {
	Repository string

	// Files maps path to content hash; an empty hash means the file exists
	// but its content was not fetched.
	Files map[string]string

	// Contents holds fetched file bodies for syntax checks.
	Contents map[string][]byte

	// Directories is the set of directories present.
	Directories map[string]bool

	// Tags lists the repository tags.
	Tags []string

	// Metadata carries key value pairs such as installed versions.
	Metadata map[string]string
}
