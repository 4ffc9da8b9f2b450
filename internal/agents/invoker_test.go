package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/metrics"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvoker(p Policy) (*Invoker, *metrics.MemoryRecorder) {
	rec := metrics.NewMemoryRecorder()
	inv := NewInvoker(map[string]Policy{config.AgentReview: p}, rec, nil)
	inv.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return inv, rec
}

var reviewCall = Call{AgentType: config.AgentReview, Operation: metrics.OperationReview, TaskID: "t1", Iteration: 2}

func TestInvoker_Success(t *testing.T) {
	inv, rec := newTestInvoker(Policy{Timeout: time.Second, MaxRetries: 2})

	err := inv.Invoke(context.Background(), reviewCall, func(context.Context) (float64, error) { return 91, nil })
	require.NoError(t, err)

	records := rec.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, 91.0, records[0].Score)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, "t1", records[0].Metadata["task_id"])
	assert.Equal(t, "2", records[0].Metadata["iteration"])
	assert.Equal(t, inv.AgentID(config.AgentReview), records[0].AgentID)
}

func TestInvoker_TimeoutRetriedThenFatal(t *testing.T) {
	inv, rec := newTestInvoker(Policy{Timeout: 10 * time.Millisecond, MaxRetries: 2})

	calls := 0
	err := inv.Invoke(context.Background(), reviewCall, func(ctx context.Context) (float64, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrAgentFatal)
	assert.ErrorIs(t, err, task.ErrAgentTimeout)
	assert.Equal(t, 3, calls)

	records := rec.Records()
	require.Len(t, records, 1, "one record per logical invocation")
	assert.False(t, records[0].Success)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, "timeout", records[0].Metadata["error_kind"])
}

func TestInvoker_TimeoutThenSuccess(t *testing.T) {
	inv, _ := newTestInvoker(Policy{Timeout: 10 * time.Millisecond, MaxRetries: 2})

	calls := 0
	err := inv.Invoke(context.Background(), reviewCall, func(ctx context.Context) (float64, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 70, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInvoker_TemporaryRetried(t *testing.T) {
	inv, rec := newTestInvoker(Policy{Timeout: time.Second, MaxRetries: 1})

	calls := 0
	err := inv.Invoke(context.Background(), reviewCall, func(context.Context) (float64, error) {
		calls++
		if calls == 1 {
			return 0, &malformedResponseError{dimension: "style", reason: "no JSON object"}
		}
		return 60, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Records()[0].Attempts)
}

func TestInvoker_FatalNotRetried(t *testing.T) {
	inv, rec := newTestInvoker(Policy{Timeout: time.Second, MaxRetries: 5})

	calls := 0
	err := inv.Invoke(context.Background(), reviewCall, func(context.Context) (float64, error) {
		calls++
		return 0, errors.New("invalid api key")
	})
	assert.ErrorIs(t, err, task.ErrAgentFatal)
	assert.ErrorContains(t, err, "invalid api key")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "fatal", rec.Records()[0].Metadata["error_kind"])
}

func TestInvoker_ParentCancellation(t *testing.T) {
	inv, rec := newTestInvoker(Policy{Timeout: time.Second, MaxRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := inv.Invoke(ctx, reviewCall, func(ctx context.Context) (float64, error) {
		calls++
		cancel()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, task.ErrAgentFatal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, task.ErrAgentTimeout)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "canceled", rec.Records()[0].Metadata["error_kind"])
}

func TestInvoker_RateLimited(t *testing.T) {
	rec := metrics.NewMemoryRecorder()
	inv := NewInvoker(map[string]Policy{config.AgentTest: {RateLimit: 20}}, rec, nil)
	call := Call{AgentType: config.AgentTest, Operation: metrics.OperationTest, TaskID: "t"}

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, inv.Invoke(context.Background(), call, func(context.Context) (float64, error) { return 0, nil }))
	}
	// Burst of one, then 50ms per token.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestInvoker_UnknownAgentUsesDefaults(t *testing.T) {
	inv := NewInvoker(nil, nil, nil)
	err := inv.Invoke(context.Background(), Call{AgentType: "custom", Operation: "x"}, func(context.Context) (float64, error) { return 1, nil })
	assert.NoError(t, err)
	assert.Contains(t, inv.AgentID("custom"), "custom-")
}

type stubImplementer struct{ art *task.Artifact }

func (s stubImplementer) Implement(context.Context, *task.Task, Feedback) (*task.Artifact, error) {
	return s.art, nil
}

func TestInvoker_TypedHelpers(t *testing.T) {
	inv := NewInvoker(nil, nil, nil)
	tk := &task.Task{ID: "x"}

	a, err := inv.Implement(context.Background(), stubImplementer{art: task.NewArtifact("go", "x.go", "package x\n")}, tk, Feedback{Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, "x.go", a.Path)

	_, err = inv.Implement(context.Background(), stubImplementer{}, tk, Feedback{Iteration: 1})
	assert.ErrorIs(t, err, task.ErrAgentFatal)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(task.ErrAgentTimeout))
	assert.True(t, IsRetryable(&TemporaryError{Err: errors.New("429")}))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.Join(task.ErrAgentFatal, task.ErrAgentTimeout)))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.AgentConfig{Timeout: config.Duration(time.Minute), MaxRetries: 4, RateLimit: 2})
	assert.Equal(t, time.Minute, p.Timeout)
	assert.Equal(t, 4, p.MaxRetries)

	d := Policy{MaxRetries: -1}.withDefaults()
	assert.Equal(t, DefaultTimeout, d.Timeout)
	assert.Equal(t, 0, d.MaxRetries)
}
