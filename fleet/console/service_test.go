// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package console_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/private/testcontext"
)

func newConsole(t *testing.T, ctx *testcontext.Context, clock clocks.Clock, config console.Config) (*console.Service, *fleetdb.DB) {
	log := zaptest.NewLogger(t)
	db, err := fleetdb.Open(ctx, log, fleetdb.Config{
		URL: "sqlite3://file::memory:?_foreign_keys=on&_loc=UTC",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	if config.PasswordCost == 0 {
		config.PasswordCost = console.TestPasswordCost
	}
	return console.NewService(log, db, clock, clocks.System{}, config), db
}

func TestAuthenticate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, _ := newConsole(t, ctx, clock, console.Config{})

	user, err := service.CreateUser(ctx, "alice", "alice@example.com", "correct horse", console.RoleOperator)
	require.NoError(t, err)

	// by username and by email
	got, err := service.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
	require.NotNil(t, got.LastLogin)

	got, err = service.Authenticate(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	// wrong password and unknown user fail the same way
	_, err = service.Authenticate(ctx, "alice", "wrong")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))
	_, err = service.Authenticate(ctx, "nobody", "wrong")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))
}

func TestSessionExpiryBoundary(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, _ := newConsole(t, ctx, clock, console.Config{SessionTTL: time.Hour})

	user, err := service.CreateUser(ctx, "alice", "alice@example.com", "pw", console.RoleViewer)
	require.NoError(t, err)
	session, err := service.CreateSession(ctx, user.ID, "tok", time.Hour)
	require.NoError(t, err)

	// one millisecond before expiry validates
	clock.Set(session.ExpiresAt.Add(-time.Millisecond))
	_, err = service.ValidateSession(ctx, "tok")
	require.NoError(t, err)

	// at and past expiry it is rejected, even before the purge chore runs
	clock.Set(session.ExpiresAt.Add(time.Millisecond))
	_, err = service.ValidateSession(ctx, "tok")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))

	// and stays rejected on the next call, cache or not
	_, err = service.ValidateSession(ctx, "tok")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))
}

func TestConcurrentSessionEviction(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, _ := newConsole(t, ctx, clock, console.Config{
		SessionTTL:         time.Hour,
		ConcurrentSessions: 5,
	})

	user, err := service.CreateUser(ctx, "alice", "alice@example.com", "pw", console.RoleViewer)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		clock.Advance(time.Second)
		_, err := service.CreateSession(ctx, user.ID, fmt.Sprintf("tok-%d", i), time.Hour)
		require.NoError(t, err)
	}

	// the sixth login evicts the oldest session only
	clock.Advance(time.Second)
	_, err = service.CreateSession(ctx, user.ID, "tok-6", time.Hour)
	require.NoError(t, err)

	_, err = service.ValidateSession(ctx, "tok-1")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))

	for i := 2; i <= 6; i++ {
		_, err := service.ValidateSession(ctx, fmt.Sprintf("tok-%d", i))
		require.NoError(t, err, "session %d should remain valid", i)
	}
}

func TestRevokeSession(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, _ := newConsole(t, ctx, clock, console.Config{SessionTTL: time.Hour})

	user, err := service.CreateUser(ctx, "alice", "alice@example.com", "pw", console.RoleViewer)
	require.NoError(t, err)
	_, err = service.CreateSession(ctx, user.ID, "tok", time.Hour)
	require.NoError(t, err)

	require.NoError(t, service.RevokeSession(ctx, "tok"))
	_, err = service.ValidateSession(ctx, "tok")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))

	// revoking twice is fine
	require.NoError(t, service.RevokeSession(ctx, "tok"))
}

func TestAPIKeyRoundtrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := clocks.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	service, _ := newConsole(t, ctx, clock, console.Config{})

	user, err := service.CreateUser(ctx, "alice", "alice@example.com", "pw", console.RoleAdmin)
	require.NoError(t, err)

	key, secret, err := service.CreateAPIKey(ctx, user.ID, "dashboard", console.RoleViewer)
	require.NoError(t, err)
	require.True(t, len(secret) > 4 && secret[:4] == "gfk_")

	got, err := service.VerifyAPIKey(ctx, secret)
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)
	require.Equal(t, console.RoleViewer, got.Role)
	require.NotNil(t, got.LastUsed)

	_, err = service.VerifyAPIKey(ctx, "gfk_deadbeef")
	require.Equal(t, faults.AuthFailed, faults.KindOf(err))
}

func TestPermissionMatrix(t *testing.T) {
	type check struct {
		role     console.Role
		resource console.Resource
		action   console.Action
		allow    bool
	}
	checks := []check{
		{console.RoleAdmin, console.ResourceDeployment, console.ActionCreate, true},
		{console.RoleAdmin, console.ResourceWebhooks, console.ActionRead, true},
		{console.RoleOperator, console.ResourcePipeline, console.ActionTrigger, true},
		{console.RoleOperator, console.ResourceTemplate, console.ActionApply, true},
		{console.RoleOperator, console.ResourceDeployment, console.ActionCreate, false},
		{console.RoleViewer, console.ResourcePipeline, console.ActionRead, true},
		{console.RoleViewer, console.ResourcePipeline, console.ActionTrigger, false},
		{console.RoleViewer, console.ResourceDeployment, console.ActionRead, false},
	}
	for _, c := range checks {
		got := c.role.HasPermission(console.Permission{Resource: c.resource, Action: c.action})
		require.Equal(t, c.allow, got, "%s %s:%s", c.role, c.resource, c.action)
	}

	// unknown pairs deny for every role, wildcard included
	for _, role := range []console.Role{console.RoleAdmin, console.RoleOperator, console.RoleViewer} {
		require.False(t, role.HasPermission(console.Permission{Resource: "warehouse", Action: "burn"}))
		require.False(t, role.HasPermission(console.Permission{Resource: console.ResourceMetrics, Action: console.ActionApply}))
	}
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"admin", "operator", "viewer"} {
		role, err := console.ParseRole(name)
		require.NoError(t, err)
		require.Equal(t, console.Role(name), role)
	}
	_, err := console.ParseRole("superuser")
	require.Error(t, err)
}
