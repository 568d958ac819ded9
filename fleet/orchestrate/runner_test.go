// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package orchestrate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/orchestrate"
	"gitfleet.io/gitfleet/private/testcontext"
)

type journal struct {
	mu      sync.Mutex
	applied []string
	undone  []string
}

func (j *journal) record(slice *[]string, entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	*slice = append(*slice, entry)
}

type checkpoint struct {
	journal *journal
	entry   string
	fail    error
}

func (c *checkpoint) Rollback(ctx context.Context) error {
	if c.fail != nil {
		return c.fail
	}
	c.journal.record(&c.journal.undone, c.entry)
	return nil
}

type fakeAction struct {
	name    string
	journal *journal
	fail    map[string]error // repository -> error
	sleep   time.Duration
}

func (a *fakeAction) Run(ctx context.Context, repository string) (orchestrate.Checkpoint, error) {
	if a.sleep > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.sleep):
		}
	}
	if err := a.fail[repository]; err != nil {
		return nil, err
	}
	entry := a.name + "@" + repository
	a.journal.record(&a.journal.applied, entry)
	return &checkpoint{journal: a.journal, entry: entry}, nil
}

func newRunner(t *testing.T, registry orchestrate.Registry) *orchestrate.Runner {
	clock := clocks.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return orchestrate.NewRunner(zaptest.NewLogger(t), registry, clock, orchestrate.Config{Workers: 4})
}

func singleRepo() map[string]map[string]string {
	return map[string]map[string]string{"festion/home-assistant-config": nil}
}

func TestSequentialHaltsOnFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := &journal{}
	boom := errs.New("boom")
	runner := newRunner(t, orchestrate.Registry{
		"a": &fakeAction{name: "a", journal: j},
		"b": &fakeAction{name: "b", journal: j, fail: map[string]error{"festion/home-assistant-config": boom}},
		"c": &fakeAction{name: "c", journal: j},
	})
	profile := &orchestrate.Profile{
		Name:     "upgrade",
		Selector: orchestrate.Selector{All: true},
		Stages: []orchestrate.Stage{
			{Name: "one", Execution: orchestrate.ModeSequential, Actions: []string{"a", "b", "c"}},
		},
		CriticalFailureThreshold: 1, // failures are not critical, but sequential still halts
	}

	result, err := runner.Run(ctx, profile, singleRepo())
	require.NoError(t, err)
	require.Equal(t, orchestrate.StatusFailed, result.Status)
	require.Equal(t, []string{"a@festion/home-assistant-config"}, j.applied)
	require.Equal(t, 1, result.Failed())
}

func TestDependencyOrderedLayers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := &journal{}
	runner := newRunner(t, orchestrate.Registry{
		"fetch":  &fakeAction{name: "fetch", journal: j},
		"build":  &fakeAction{name: "build", journal: j},
		"deploy": &fakeAction{name: "deploy", journal: j},
	})
	profile := &orchestrate.Profile{
		Name:     "release",
		Selector: orchestrate.Selector{Repos: []string{"r"}},
		Stages: []orchestrate.Stage{{
			Name:      "all",
			Execution: orchestrate.ModeDependencyOrdered,
			Actions:   []string{"deploy", "build", "fetch"},
			DependsOn: map[string][]string{
				"build":  {"fetch"},
				"deploy": {"build"},
			},
		}},
		CriticalFailureThreshold: 1,
	}

	result, err := runner.Run(ctx, profile, map[string]map[string]string{"r": nil})
	require.NoError(t, err)
	require.Equal(t, orchestrate.StatusCompleted, result.Status)
	require.Equal(t, []string{"fetch@r", "build@r", "deploy@r"}, j.applied)
}

func TestCriticalThresholdSkipsRemainingStages(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := &journal{}
	boom := errs.New("boom")
	runner := newRunner(t, orchestrate.Registry{
		"a": &fakeAction{name: "a", journal: j, fail: map[string]error{"r": boom}},
		"b": &fakeAction{name: "b", journal: j},
	})
	profile := &orchestrate.Profile{
		Name:     "patch",
		Selector: orchestrate.Selector{All: true},
		Stages: []orchestrate.Stage{
			{Name: "one", Execution: orchestrate.ModeParallel, Actions: []string{"a"}},
			{Name: "two", Execution: orchestrate.ModeParallel, Actions: []string{"b"}},
		},
		// 1 failure of 2 total actions = 0.5 > 0.25
		CriticalFailureThreshold: 0.25,
	}

	result, err := runner.Run(ctx, profile, map[string]map[string]string{"r": nil})
	require.NoError(t, err)
	require.Equal(t, orchestrate.StatusFailed, result.Status)
	require.Equal(t, []string{"two"}, result.SkippedStages)
	require.Empty(t, j.applied)
}

func TestRollbackOnFailureReversesCompleted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := &journal{}
	boom := errs.New("boom")
	runner := newRunner(t, orchestrate.Registry{
		"a": &fakeAction{name: "a", journal: j},
		"b": &fakeAction{name: "b", journal: j},
		"c": &fakeAction{name: "c", journal: j, fail: map[string]error{"r": boom}},
	})
	profile := &orchestrate.Profile{
		Name:     "hardening",
		Selector: orchestrate.Selector{All: true},
		Stages: []orchestrate.Stage{
			{Name: "one", Execution: orchestrate.ModeSequential, Actions: []string{"a", "b", "c"}},
		},
		RollbackOnFailure: true,
	}

	result, err := runner.Run(ctx, profile, map[string]map[string]string{"r": nil})
	require.NoError(t, err)
	require.Equal(t, orchestrate.StatusRolledBack, result.Status)
	require.Equal(t, []string{"a@r", "b@r"}, j.applied)
	// reverse completion order
	require.Equal(t, []string{"b@r", "a@r"}, j.undone)
}

func TestProfileTimeout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := &journal{}
	runner := newRunner(t, orchestrate.Registry{
		"fast": &fakeAction{name: "fast", journal: j},
		"slow": &fakeAction{name: "slow", journal: j, sleep: time.Minute},
	})
	profile := &orchestrate.Profile{
		Name:     "slowpoke",
		Selector: orchestrate.Selector{All: true},
		Stages: []orchestrate.Stage{
			{Name: "one", Execution: orchestrate.ModeSequential, Actions: []string{"fast", "slow"}},
			{Name: "two", Execution: orchestrate.ModeSequential, Actions: []string{"fast"}},
		},
		Timeout:                  50 * time.Millisecond,
		CriticalFailureThreshold: 1,
		RollbackOnFailure:        true,
	}

	result, err := runner.Run(ctx, profile, map[string]map[string]string{"r": nil})
	require.NoError(t, err)
	// the timed out run rolls its completed work back
	require.Equal(t, orchestrate.StatusRolledBack, result.Status)
	require.Equal(t, []string{"two"}, result.SkippedStages)
	require.Equal(t, []string{"fast@r"}, j.undone)
}

func TestSelectorMatching(t *testing.T) {
	require.True(t, orchestrate.Selector{All: true}.Matches("any", nil))
	require.True(t, orchestrate.Selector{Repos: []string{"a", "b"}}.Matches("b", nil))
	require.False(t, orchestrate.Selector{Repos: []string{"a"}}.Matches("b", nil))
	require.True(t, orchestrate.Selector{Attributes: map[string]string{"tier": "prod"}}.
		Matches("x", map[string]string{"tier": "prod", "lang": "go"}))
	require.False(t, orchestrate.Selector{Attributes: map[string]string{"tier": "prod"}}.
		Matches("x", map[string]string{"tier": "dev"}))
	require.False(t, orchestrate.Selector{}.Matches("x", nil))
}

func TestProfileValidate(t *testing.T) {
	profile := &orchestrate.Profile{
		Name:     "p",
		Selector: orchestrate.Selector{All: true},
		Stages: []orchestrate.Stage{{
			Name: "s", Execution: orchestrate.ModeDependencyOrdered,
			Actions:   []string{"a", "b"},
			DependsOn: map[string][]string{"a": {"b"}, "b": {"a"}},
		}},
	}
	require.Error(t, profile.Validate(), "dependency cycles are rejected")

	profile.Stages[0].DependsOn = map[string][]string{"b": {"a"}}
	require.NoError(t, profile.Validate())

	profile.CriticalFailureThreshold = 1.5
	require.Error(t, profile.Validate())
}
