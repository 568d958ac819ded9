// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package remotefs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/remotefs"
	"gitfleet.io/gitfleet/private/testcontext"
)

func TestValidatePath(t *testing.T) {
	roots := []string{"config", "backup"}

	require.NoError(t, remotefs.ValidatePath("config/automations.yaml", roots))
	require.NoError(t, remotefs.ValidatePath("/config/automations.yaml", roots))
	require.NoError(t, remotefs.ValidatePath("backup", roots))
	require.NoError(t, remotefs.ValidatePath("anything/goes.txt", nil))

	for _, path := range []string{
		"",
		"config/../etc/passwd",
		"../config/a.yaml",
		"config//a.yaml",
		"secrets/a.yaml",
		"configuration/a.yaml", // prefix of a root is not the root
	} {
		err := remotefs.ValidatePath(path, roots)
		require.True(t, faults.Is(err, faults.Validation), "path %q should be rejected", path)
	}
}

func TestWriteFileSizeLimit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fs := remotefs.NewToolFS(zaptest.NewLogger(t), remotefs.Config{
		Tool:         "/nonexistent",
		Roots:        []string{"config"},
		MaxWriteSize: 16,
	})

	// the limit is checked before the tool runs
	err := fs.WriteFile(ctx, "main", "config/huge.yaml", bytes.Repeat([]byte{'x'}, 17))
	require.True(t, faults.Is(err, faults.PayloadTooLarge))

	err = fs.WriteFile(ctx, "main", "config/../huge.yaml", []byte("x"))
	require.True(t, faults.Is(err, faults.Validation))
}
