package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_INSTANCE_ID", "attemptctl-test")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAttemptStart(t *testing.T) {
	out, err := execute(t, "attempt", "start", "--exam", "go-101", "--student", "s-1", "--duration", "45")
	require.NoError(t, err)

	var dto map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &dto))
	assert.Equal(t, "IN_PROGRESS", dto["status"])
	assert.Equal(t, float64(45), dto["duration_minutes"])
	assert.Equal(t, float64(1), dto["attempt_number"])
}

func TestAttemptStart_NeedsDurationWithoutCatalog(t *testing.T) {
	_, err := execute(t, "attempt", "start", "--exam", "go-101", "--student", "s-1")
	assert.Equal(t, shared.KindValidation, shared.KindOf(err))
}

func TestAttemptShow_NotFound(t *testing.T) {
	_, err := execute(t, "attempt", "show", "missing")
	assert.Equal(t, shared.KindNotFound, shared.KindOf(err))
}

func TestOpsCommandsOnEmptyStore(t *testing.T) {
	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, `"found": 0`)

	out, err = execute(t, "relay", "flush")
	require.NoError(t, err)
	assert.Contains(t, out, `"delivered": 0`)

	out, err = execute(t, "outbox", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending": 0`)

	out, err = execute(t, "outbox", "requeue")
	require.NoError(t, err)
	assert.Equal(t, "requeued 0 event(s)\n", out)
}

func TestMigrate_RequiresDatabase(t *testing.T) {
	_, err := execute(t, "migrate", "status")
	assert.ErrorIs(t, err, errNeedsDatabase)
}

func TestAttemptList_RequiresFlags(t *testing.T) {
	_, err := execute(t, "attempt", "list", "--exam", "go-101")
	assert.Error(t, err)
}
