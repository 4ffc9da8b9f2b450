package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	httpserver "github.com/fyrsmithlabs/codeloop/internal/http"
	"github.com/fyrsmithlabs/codeloop/internal/logging"
	"github.com/fyrsmithlabs/codeloop/internal/scheduler"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleRunner struct{}

func (idleRunner) Run(_ context.Context, t *task.Task) *task.Outcome {
	return &task.Outcome{TaskID: t.ID, State: task.StateAccepted}
}

// setupServer serves the real API backed by a scheduler that never
// dispatches, so submitted tasks stay pending.
func setupServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	sched, err := scheduler.New(idleRunner{}, scheduler.Config{MaxConcurrent: 1, BatchSize: 1})
	require.NoError(t, err)
	srv, err := httpserver.NewServer(sched, logging.Nop(), &httpserver.Config{Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sched
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmit(t *testing.T) {
	ts, sched := setupServer(t)

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - id: schema
    type: feature
    priority: high
  - id: api
    type: feature
    dependencies: [schema]
`), 0o600))

		out, err := execute(t, "", "submit", path, "--server", ts.URL)
		require.NoError(t, err)
		assert.Equal(t, "submitted schema\nsubmitted api\n", out)
		assert.Len(t, sched.List(), 2)
	})

	t.Run("from stdin", func(t *testing.T) {
		out, err := execute(t, `{"id":"docs","type":"enhancement"}`, "submit", "-", "--server", ts.URL)
		require.NoError(t, err)
		assert.Contains(t, out, "submitted docs")
	})

	t.Run("conflict surfaces the server message", func(t *testing.T) {
		_, err := execute(t, `{"id":"docs","type":"enhancement"}`, "submit", "--server", ts.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 409")
		assert.Contains(t, err.Error(), "already submitted")
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := execute(t, "  \n", "submit", "--server", ts.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no tasks to submit")
	})
}

func TestStatusListCancel(t *testing.T) {
	ts, sched := setupServer(t)
	require.NoError(t, sched.Submit(context.Background(),
		&task.Task{ID: "schema", Type: task.TypeFeature, Priority: task.PriorityHigh, MaxIterations: 3},
		&task.Task{ID: "api", Type: task.TypeBug, Priority: task.PriorityLow, MaxIterations: 5, Dependencies: []string{"schema"}},
	))

	out, err := execute(t, "", "status", "api", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Task:       api (bug, low priority)")
	assert.Contains(t, out, "State:      pending")
	assert.Contains(t, out, "Iteration:  0/5")
	assert.Contains(t, out, "Depends on: schema")

	out, err = execute(t, "", "list", "--server", ts.URL)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.True(t, strings.HasPrefix(lines[1], "schema"))
	assert.Contains(t, lines[1], "0/3")
	assert.Contains(t, lines[2], "-")

	out, err = execute(t, "", "cancel", "schema", "--server", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "cancel requested for schema (state rejected)\n", out)

	out, err = execute(t, "", "status", "api", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "State:      rejected")
	assert.Contains(t, out, "Error:      dependency rejected: schema")

	_, err = execute(t, "", "status", "ghost", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found: ghost")
}

func TestWait(t *testing.T) {
	ts, sched := setupServer(t)
	require.NoError(t, sched.Submit(context.Background(),
		&task.Task{ID: "a", Type: task.TypeFeature, Priority: task.PriorityHigh, MaxIterations: 1},
		&task.Task{ID: "b", Type: task.TypeFeature, Priority: task.PriorityHigh, MaxIterations: 1},
	))
	require.NoError(t, sched.Cancel(context.Background(), "a"))

	_, err := execute(t, "", "wait", "a", "--server", ts.URL, "--interval", "10ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task a rejected")

	_, err = execute(t, "", "wait", "b", "--server", ts.URL, "--interval", "10ms", "--timeout", "50ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still pending")
}

func TestHealth(t *testing.T) {
	ts, sched := setupServer(t)
	require.NoError(t, sched.Submit(context.Background(), &task.Task{ID: "a", Type: task.TypeFeature, Priority: task.PriorityHigh, MaxIterations: 1}))

	out, err := execute(t, "", "health", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "pending=1")

	_, err = execute(t, "", "health", "--server", "http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	out, err := execute(t, "", "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid: vectordb=chromem")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_concurrent: 0\n"), 0o600))
	_, err = execute(t, "", "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.max_concurrent")
}
