package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/metrics"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("codeloop.agents")

// Defaults applied to a zero Policy.
const (
	DefaultTimeout     = 2 * time.Minute
	DefaultMaxRetries  = 2
	DefaultBaseBackoff = time.Second
	defaultBurst       = 1
)

// Error kinds recorded in metric metadata.
const (
	errorKindTimeout  = "timeout"
	errorKindFatal    = "fatal"
	errorKindCanceled = "canceled"
)

// Policy bounds invocations of one agent type.
type Policy struct {
	Timeout     time.Duration
	MaxRetries  int     // negative disables retries
	RateLimit   float64 // calls per second, 0 for unlimited
	BaseBackoff time.Duration
}

// PolicyFromConfig maps an agent's configuration onto a Policy.
func PolicyFromConfig(cfg config.AgentConfig) Policy {
	return Policy{
		Timeout:    cfg.Timeout.Duration(),
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimit,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	return p
}

type agentSlot struct {
	id      string
	policy  Policy
	limiter *rate.Limiter
}

// Call identifies one logical invocation.
type Call struct {
	AgentType string
	Operation string
	TaskID    string
	Iteration int
}

// Invoker runs agent calls with rate limiting, timeouts and retries, and
// records one MetricRecord per logical call.
type Invoker struct {
	recorder metrics.Recorder
	logger   *zap.Logger

	mu    sync.Mutex
	slots map[string]*agentSlot
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an Invoker with a policy per agent type. Agent types
// without a policy use the defaults.
func NewInvoker(policies map[string]Policy, recorder metrics.Recorder, logger *zap.Logger) *Invoker {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &Invoker{
		recorder: recorder,
		logger:   logger,
		slots:    make(map[string]*agentSlot, len(policies)),
		sleep:    sleepCtx,
	}
	for agentType, p := range policies {
		inv.slots[agentType] = newSlot(agentType, p)
	}
	return inv
}

func newSlot(agentType string, p Policy) *agentSlot {
	p = p.withDefaults()
	limit := rate.Inf
	if p.RateLimit > 0 {
		limit = rate.Limit(p.RateLimit)
	}
	return &agentSlot{
		id:      agentType + "-" + uuid.NewString()[:8],
		policy:  p,
		limiter: rate.NewLimiter(limit, defaultBurst),
	}
}

func (inv *Invoker) slot(agentType string) *agentSlot {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	s, ok := inv.slots[agentType]
	if !ok {
		s = newSlot(agentType, Policy{MaxRetries: DefaultMaxRetries})
		inv.slots[agentType] = s
	}
	return s
}

// AgentID returns the identifier recorded for agentType.
func (inv *Invoker) AgentID(agentType string) string {
	return inv.slot(agentType).id
}

// Invoke runs fn until it succeeds, fails fatally or runs out of retries.
// fn receives a context bounded by the agent's timeout and returns the
// score to record. The returned error wraps task.ErrAgentFatal whenever the
// call ultimately failed.
func (inv *Invoker) Invoke(ctx context.Context, call Call, fn func(ctx context.Context) (float64, error)) error {
	s := inv.slot(call.AgentType)
	start := time.Now()

	var (
		score    float64
		lastErr  error
		attempts int
	)
	backoff := s.policy.BaseBackoff
	for attempts < s.policy.MaxRetries+1 {
		if attempts > 0 {
			if err := inv.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
		}
		attempts++

		score, lastErr = inv.attempt(ctx, s, call, attempts, fn)
		if lastErr == nil || !IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}
		inv.logger.Warn("agent attempt failed, retrying",
			zap.String("agent_type", call.AgentType),
			zap.String("task_id", call.TaskID),
			zap.Int("attempt", attempts),
			zap.Error(lastErr),
		)
	}

	err := inv.classify(ctx, call, attempts, lastErr)
	inv.record(ctx, s, call, start, attempts, score, err)
	return err
}

func (inv *Invoker) attempt(ctx context.Context, s *agentSlot, call Call, n int, fn func(ctx context.Context) (float64, error)) (float64, error) {
	ctx, span := tracer.Start(ctx, "agent."+call.Operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.type", call.AgentType),
		attribute.String("task.id", call.TaskID),
		attribute.Int("task.iteration", call.Iteration),
		attribute.Int("attempt", n),
	)

	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	score, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s", task.ErrAgentTimeout, call.Operation, s.policy.Timeout)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetStatus(codes.Ok, "")
	return score, nil
}

// classify wraps a final failure as fatal. Parent cancellation is fatal
// and never retried.
func (inv *Invoker) classify(ctx context.Context, call Call, attempts int, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s canceled: %w", task.ErrAgentFatal, call.Operation, ctx.Err())
	case errors.Is(err, task.ErrAgentFatal):
		return err
	case IsRetryable(err):
		return fmt.Errorf("%w: %s failed after %d attempts: %w", task.ErrAgentFatal, call.Operation, attempts, err)
	default:
		return fmt.Errorf("%w: %s: %w", task.ErrAgentFatal, call.Operation, err)
	}
}

func (inv *Invoker) record(ctx context.Context, s *agentSlot, call Call, start time.Time, attempts int, score float64, err error) {
	meta := map[string]string{
		"task_id":   call.TaskID,
		"iteration": strconv.Itoa(call.Iteration),
	}
	if err != nil {
		meta["error_kind"] = errorKind(ctx, err)
	}
	rec := metrics.MetricRecord{
		AgentID:   s.id,
		AgentType: call.AgentType,
		Operation: call.Operation,
		Duration:  time.Since(start),
		Success:   err == nil,
		Score:     score,
		Attempts:  attempts,
		Metadata:  meta,
		Timestamp: time.Now(),
	}
	// Recording must not fail the call, so use a context that survives cancellation.
	if rerr := inv.recorder.Append(context.WithoutCancel(ctx), rec); rerr != nil {
		inv.logger.Warn("failed to record agent metric", zap.String("agent_type", call.AgentType), zap.Error(rerr))
	}
}

func errorKind(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return errorKindCanceled
	case errors.Is(err, task.ErrAgentTimeout):
		return errorKindTimeout
	}
	return errorKindFatal
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Implement invokes impl and records the artifact size as its score.
func (inv *Invoker) Implement(ctx context.Context, impl Implementer, t *task.Task, fb Feedback) (*task.Artifact, error) {
	var out *task.Artifact
	err := inv.Invoke(ctx, Call{
		AgentType: config.AgentImplementation,
		Operation: metrics.OperationImplement,
		TaskID:    t.ID,
		Iteration: fb.Iteration,
	}, func(ctx context.Context) (float64, error) {
		a, err := impl.Implement(ctx, t, fb)
		if err != nil {
			return 0, err
		}
		if a == nil {
			return 0, fmt.Errorf("%w: implementer returned no artifact", task.ErrAgentFatal)
		}
		out = a
		return 0, nil
	})
	return out, err
}

// Review invokes rev and records the overall review score.
func (inv *Invoker) Review(ctx context.Context, rev Reviewer, t *task.Task, iteration int, a *task.Artifact) (*task.Review, error) {
	var out *task.Review
	err := inv.Invoke(ctx, Call{
		AgentType: config.AgentReview,
		Operation: metrics.OperationReview,
		TaskID:    t.ID,
		Iteration: iteration,
	}, func(ctx context.Context) (float64, error) {
		r, err := rev.Review(ctx, t, a)
		if err != nil {
			return 0, err
		}
		if r == nil {
			return 0, fmt.Errorf("%w: reviewer returned no review", task.ErrAgentFatal)
		}
		out = r
		return r.Score, nil
	})
	return out, err
}

// Test invokes tester and records coverage as the score.
func (inv *Invoker) Test(ctx context.Context, tester Tester, t *task.Task, iteration int, a *task.Artifact) (*task.TestResult, error) {
	var out *task.TestResult
	err := inv.Invoke(ctx, Call{
		AgentType: config.AgentTest,
		Operation: metrics.OperationTest,
		TaskID:    t.ID,
		Iteration: iteration,
	}, func(ctx context.Context) (float64, error) {
		r, err := tester.Test(ctx, t, a)
		if err != nil {
			return 0, err
		}
		if r == nil {
			return 0, fmt.Errorf("%w: tester returned no result", task.ErrAgentFatal)
		}
		out = r
		return r.Coverage, nil
	})
	return out, err
}
