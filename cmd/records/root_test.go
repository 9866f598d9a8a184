package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	assert.ErrorContains(t, run(t, "token"), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	require.NoError(t, run(t, "token", "--owner", uuid.NewString()))
	assert.Error(t, run(t, "token", "--owner", "someone"))
}

func TestOwnerRequired(t *testing.T) {
	t.Setenv("RECORDS_OWNER", "")
	assert.ErrorContains(t, run(t, "queue", "stats"), "--owner")
	assert.ErrorContains(t, run(t, "export", "--owner", "nope"), "--owner")
}

func TestArgValidation(t *testing.T) {
	owner := uuid.NewString()
	assert.ErrorContains(t, run(t, "queue", "retry", "not-an-id", "--owner", owner), "invalid entry id")
	assert.ErrorContains(t, run(t, "queue", "priority", uuid.NewString(), "high", "--owner", owner), "invalid priority")
	assert.Error(t, run(t, "export", "--status", "paused", "--owner", owner))
	assert.Error(t, run(t, "ingest"))
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "worker", "migrate", "dbhealth", "ingest", "queue", "export", "token", "extract"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"queue", "retry-failed"})
	require.NoError(t, err)
	assert.Equal(t, "retry-failed", cmd.Name())
}
