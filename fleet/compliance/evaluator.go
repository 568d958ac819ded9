// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package compliance

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gitfleet.io/gitfleet/fleet/clocks"
)

// Evaluator computes repository compliance.
type Evaluator struct {
	log   *zap.Logger
	clock clocks.Clock
}

// NewEvaluator creates an evaluator.
func NewEvaluator(log *zap.Logger, clock clocks.Clock) *Evaluator {
	return &Evaluator{log: log, clock: clock}
}

// Evaluate scores the inventory against the templates. Templates are
// evaluated in declared order; the issue slice is sorted by severity
// descending, then template, then file, so the output is deterministic.
func (evaluator *Evaluator) Evaluate(ctx context.Context, inventory Inventory, templates []Template) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	result := Result{Repository: inventory.Repository}
	detectedAt := evaluator.clock.Now().UTC()

	for _, template := range templates {
		if err := template.Validate(); err != nil {
			return Result{}, err
		}

		issues, allMissing := evaluator.evaluateTemplate(inventory, template, detectedAt)
		result.Issues = append(result.Issues, issues...)

		if allMissing && len(template.RequiredFiles) > 0 {
			result.MissingTemplates = append(result.MissingTemplates, template.ID)
			continue
		}
		if !hasMissing(issues) {
			result.AppliedTemplates = append(result.AppliedTemplates, template.ID)
		}
	}

	sort.SliceStable(result.Issues, func(i, j int) bool {
		a, b := result.Issues[i], result.Issues[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() > b.Severity.rank()
		}
		if a.Template != b.Template {
			return a.Template < b.Template
		}
		return a.File < b.File
	})

	result.Score = Score(result.Issues)
	result.Compliant = result.Score >= CompliantThreshold
	return result, nil
}

func (evaluator *Evaluator) evaluateTemplate(inventory Inventory, template Template, detectedAt time.Time) (issues []Issue, allMissing bool) {
	allMissing = true
	for _, required := range template.RequiredFiles {
		hash, present := inventory.Files[required.Path]
		if !present {
			issues = append(issues, Issue{
				Type:           IssueMissing,
				Severity:       SeverityHigh,
				Template:       template.ID,
				File:           required.Path,
				Description:    "required file is missing",
				Recommendation: "apply template " + template.ID,
				DetectedAt:     detectedAt,
			})
			continue
		}
		allMissing = false

		if issue, ok := checkVersion(inventory, template, required, detectedAt); ok {
			issues = append(issues, issue)
		}
		if required.Hash != "" && hash != "" && hash != required.Hash {
			issues = append(issues, Issue{
				Type:           IssueModified,
				Severity:       SeverityMedium,
				Template:       template.ID,
				File:           required.Path,
				Description:    "file content differs from the template",
				Recommendation: "reapply template " + template.ID + " or update its pinned hash",
				DetectedAt:     detectedAt,
			})
		}
		if issue, ok := checkSyntax(inventory, template, required, detectedAt); ok {
			issues = append(issues, issue)
		}
	}

	for _, dir := range template.RequiredDirectories {
		if inventory.Directories[dir] {
			allMissing = false
			continue
		}
		issues = append(issues, Issue{
			Type:           IssueMissing,
			Severity:       SeverityMedium,
			Template:       template.ID,
			File:           dir,
			Description:    "required directory is missing",
			Recommendation: "create directory " + dir,
			DetectedAt:     detectedAt,
		})
	}
	return issues, allMissing
}

func checkVersion(inventory Inventory, template Template, required RequiredFile, detectedAt time.Time) (Issue, bool) {
	if required.VersionKey == "" || required.VersionRange == "" {
		return Issue{}, false
	}
	issue := Issue{
		Type:           IssueOutdated,
		Severity:       SeverityMedium,
		Template:       template.ID,
		File:           required.Path,
		Recommendation: "upgrade to a version satisfying " + required.VersionRange,
		DetectedAt:     detectedAt,
	}

	installed, ok := inventory.Metadata[required.VersionKey]
	if !ok {
		issue.Description = "installed version is not recorded"
		return issue, true
	}
	version, err := semver.ParseTolerant(installed)
	if err != nil {
		issue.Description = "installed version " + installed + " is not parseable"
		return issue, true
	}
	expected, err := semver.ParseRange(required.VersionRange)
	if err != nil {
		// a malformed range in the template is the template's fault
		issue.Type = IssueInvalid
		issue.Severity = SeverityLow
		issue.Description = "template version range " + required.VersionRange + " is malformed"
		issue.Recommendation = "fix the version range in template " + template.ID
		return issue, true
	}
	if !expected(version) {
		issue.Description = "installed version " + installed + " does not satisfy " + required.VersionRange
		return issue, true
	}
	return Issue{}, false
}

func checkSyntax(inventory Inventory, template Template, required RequiredFile, detectedAt time.Time) (Issue, bool) {
	if required.Syntax == "" {
		return Issue{}, false
	}
	content, ok := inventory.Contents[required.Path]
	if !ok {
		return Issue{}, false
	}

	var syntaxErr error
	switch required.Syntax {
	case "yaml":
		var node yaml.Node
		syntaxErr = yaml.Unmarshal(content, &node)
	default:
		return Issue{}, false
	}
	if syntaxErr == nil {
		return Issue{}, false
	}
	return Issue{
		Type:           IssueInvalid,
		Severity:       SeverityHigh,
		Template:       template.ID,
		File:           required.Path,
		Description:    "file does not parse as " + required.Syntax + ": " + syntaxErr.Error(),
		Recommendation: "fix the syntax error",
		DetectedAt:     detectedAt,
	}, true
}

func hasMissing(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Type == IssueMissing {
			return true
		}
	}
	return false
}

// Score folds issue severities into a 0..100 score. No issues scores 100.
func Score(issues []Issue) int {
	if len(issues) == 0 {
		return 100
	}
	var total float64
	for _, issue := range issues {
		total += issue.Severity.Weight()
	}
	score := int(math.Round(100 - (total/float64(len(issues)))*100))
	if score < 0 {
		score = 0
	}
	return score
}
