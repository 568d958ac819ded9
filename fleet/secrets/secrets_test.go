// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package secrets_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/secrets"
)

func TestProviderCaches(t *testing.T) {
	ctx := context.Background()
	clock := clocks.NewFake(time.Now())

	backend := &countingBackend{values: secrets.Static{
		"prod": {"webhook-secret": "hunter2"},
	}}
	provider := secrets.NewProvider(backend, clock, time.Minute)

	for i := 0; i < 3; i++ {
		value, err := provider.Get(ctx, "webhook-secret", "prod")
		require.NoError(t, err)
		require.Equal(t, "hunter2", value)
	}
	require.Equal(t, 1, backend.calls)

	// expired entries hit the backend again
	clock.Advance(2 * time.Minute)
	_, err := provider.Get(ctx, "webhook-secret", "prod")
	require.NoError(t, err)
	require.Equal(t, 2, backend.calls)
}

func TestProviderMissing(t *testing.T) {
	ctx := context.Background()
	provider := secrets.NewProvider(secrets.Static{}, clocks.System{}, time.Minute)

	_, err := provider.Get(ctx, "nope", "prod")
	require.True(t, secrets.ErrMissing.Has(err))
}

func TestProviderEnvFallback(t *testing.T) {
	ctx := context.Background()
	provider := secrets.NewProvider(secrets.Static{}, clocks.System{}, time.Minute)

	t.Setenv("GITFLEET_TEST_SECRET", "from-env")
	value, err := provider.GetWithFallback(ctx, "nope", "prod", "GITFLEET_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "from-env", value)

	_, err = provider.GetWithFallback(ctx, "nope", "prod", "GITFLEET_TEST_SECRET_UNSET")
	require.True(t, secrets.ErrMissing.Has(err))
}

type countingBackend struct {
	values secrets.Static
	calls  int
}

func (backend *countingBackend) Get(ctx context.Context, name, env string) (string, error) {
	backend.calls++
	return backend.values.Get(ctx, name, env)
}
