// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package api

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gitfleet.io/gitfleet/fleet/deploy"
)

func TestViewDeploymentWireForm(t *testing.T) {
	names := map[deploy.Priority]string{
		deploy.PriorityLow:    "low",
		deploy.PriorityNormal: "normal",
		deploy.PriorityHigh:   "high",
		deploy.PriorityUrgent: "urgent",
	}
	for priority, name := range names {
		view := viewDeployment(&deploy.Deployment{
			ID:         uuid.New(),
			Repository: "festion/home-assistant-config",
			Branch:     "main",
			Status:     deploy.StatusQueued,
			Priority:   priority,
		})
		require.Equal(t, name, view.Priority)
	}

	original := uuid.New()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	view := viewDeployment(&deploy.Deployment{
		ID:                   uuid.New(),
		Repository:           "festion/home-assistant-config",
		Branch:               "main",
		Status:               deploy.StatusRolledBack,
		Priority:             deploy.PriorityUrgent,
		StartedAt:            &started,
		OriginalDeploymentID: &original,
	})
	require.Equal(t, "urgent", view.Priority)
	require.Equal(t, "rolled-back", view.Status)
	require.Equal(t, original.String(), view.OriginalID)
	require.Equal(t, &started, view.StartedAt)
}
