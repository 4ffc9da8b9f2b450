package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/agents"
	"github.com/fyrsmithlabs/codeloop/internal/logging"
	"github.com/fyrsmithlabs/codeloop/internal/patterns"
	"github.com/fyrsmithlabs/codeloop/internal/scoring"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("codeloop.orchestrator")

// Learner persists finished iterations and retrieves similar examples.
// *patterns.Learner implements it.
type Learner interface {
	Learn(ctx context.Context, t *task.Task, it *task.Iteration) error
	Similar(ctx context.Context, text string, category patterns.Category, k int) ([]patterns.Pattern, error)
}

// Orchestrator runs tasks. It is safe for concurrent use.
type Orchestrator struct {
	agents    agents.Set
	invoker   *agents.Invoker
	engine    *scoring.Engine
	learner   Learner
	observers []Observer
	logger    *logging.Logger

	shortCircuit bool
	examples     int
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLearner records iterations and supplies examples through l.
func WithLearner(l Learner) Option {
	return func(o *Orchestrator) { o.learner = l }
}

// WithObserver adds an observer of lifecycle transitions.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithShortCircuitOnCritical skips testing when the review has a critical
// finding. Test dimensions are then missing and fail their thresholds.
func WithShortCircuitOnCritical(enabled bool) Option {
	return func(o *Orchestrator) { o.shortCircuit = enabled }
}

// WithExamples sets how many similar accepted artifacts are shown to the
// implementer. Zero disables retrieval.
func WithExamples(k int) Option {
	return func(o *Orchestrator) { o.examples = k }
}

// New creates an Orchestrator. The implementer is required; a nil reviewer
// or tester leaves its dimensions unscored.
func New(set agents.Set, invoker *agents.Invoker, engine *scoring.Engine, opts ...Option) (*Orchestrator, error) {
	if set.Implementer == nil {
		return nil, errors.New("implementer is required")
	}
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if engine == nil {
		return nil, errors.New("scoring engine is required")
	}
	o := &Orchestrator{
		agents:   set,
		invoker:  invoker,
		engine:   engine,
		logger:   logging.Nop(),
		examples: 3,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run drives t to Accepted or Rejected and returns the full history.
// t is not modified.
func (o *Orchestrator) Run(ctx context.Context, t *task.Task) *task.Outcome {
	r := &run{
		o:       o,
		task:    t.Clone(),
		state:   task.StatePending,
		outcome: &task.Outcome{TaskID: t.ID},
	}
	ctx = logging.WithTask(ctx, t.ID, 0)
	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int("task.max_iterations", t.MaxIterations),
	))
	defer span.End()

	err := r.execute(ctx)
	if err != nil && !r.state.Terminal() {
		// Only an invalid transition leaves the run non-terminal.
		r.state = task.StateRejected
	}
	r.outcome.State = r.state
	r.outcome.SetErr(err)

	span.SetAttributes(attribute.String("task.state", string(r.state)), attribute.Int("task.iterations", len(r.outcome.Iterations)))
	if err != nil {
		span.RecordError(err)
	}
	fields := []zap.Field{zap.String("state", string(r.state)), zap.Int("iterations", len(r.outcome.Iterations))}
	if last := r.outcome.Last(); last != nil {
		fields = append(fields, zap.Float64("composite", last.Composite))
	}
	if err != nil {
		o.logger.Warn(ctx, "task rejected", append(fields, zap.Error(err))...)
	} else {
		o.logger.Info(ctx, "task accepted", fields...)
	}
	return r.outcome
}

// run is the private state of one Run call.
type run struct {
	o       *Orchestrator
	task    *task.Task
	state   task.State
	outcome *task.Outcome
}

func (r *run) to(ctx context.Context, next task.State, iteration int, cause error) error {
	if err := task.CanTransition(r.state, next); err != nil {
		return err
	}
	tr := Transition{
		TaskID:    r.task.ID,
		From:      r.state,
		To:        next,
		Iteration: iteration,
		At:        r.o.now(),
	}
	if cause != nil {
		tr.Error = cause.Error()
	}
	r.state = next
	r.o.logger.Debug(ctx, "task transition", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
	for _, obs := range r.o.observers {
		obs.OnTransition(ctx, tr)
	}
	return nil
}

// reject moves to Rejected and returns cause.
func (r *run) reject(ctx context.Context, iteration int, cause error) error {
	if err := r.to(ctx, task.StateRejected, iteration, cause); err != nil {
		return err
	}
	return cause
}

func (r *run) execute(ctx context.Context) error {
	if err := r.to(ctx, task.StateAssigned, 0, nil); err != nil {
		return err
	}

	var fb agents.Feedback
	limit := r.task.MaxIterations
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return r.reject(ctx, n-1, fmt.Errorf("task canceled: %w", err))
		}

		itCtx := logging.WithTask(ctx, r.task.ID, n)
		it, res, err := r.iterate(itCtx, n, fb)
		if errors.Is(err, task.ErrInvalidTransition) {
			return err
		}
		if err != nil {
			it.Error = err.Error()
			it.Verdict = task.VerdictRejected
			r.record(itCtx, it)
			return r.reject(ctx, n, err)
		}

		switch {
		case res.Accepted:
			it.Verdict = task.VerdictAccepted
			r.record(itCtx, it)
			return r.to(ctx, task.StateAccepted, n, nil)
		case n == limit:
			it.Verdict = task.VerdictRejected
			r.record(itCtx, it)
			return r.reject(ctx, n, fmt.Errorf("%w: %d iterations used, failing %s",
				task.ErrIterationLimitExceeded, limit, strings.Join(it.Failures, ", ")))
		default:
			it.Verdict = task.VerdictIterate
			r.record(itCtx, it)
			if err := r.to(ctx, task.StateIterating, n, nil); err != nil {
				return err
			}
			r.o.logger.Info(itCtx, "thresholds not met, iterating",
				zap.Float64("composite", it.Composite), zap.Strings("failing", it.Failures))
			fb = agents.Feedback{
				Previous: it.Artifact,
				Findings: it.Findings(),
				Test:     it.Test,
				Failed:   it.Failures,
			}
		}
	}
	return r.reject(ctx, limit, fmt.Errorf("%w: no iterations allowed", task.ErrIterationLimitExceeded))
}

// iterate runs one implement, review, test and score pass. The returned
// iteration is never nil.
func (r *run) iterate(ctx context.Context, n int, fb agents.Feedback) (*task.Iteration, scoring.Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.iteration", trace.WithAttributes(
		attribute.String("task.id", r.task.ID),
		attribute.Int("task.iteration", n),
	))
	defer span.End()

	it := &task.Iteration{TaskID: r.task.ID, Number: n, StartedAt: r.o.now()}
	fb.Iteration = n
	fb.Examples = r.o.similar(ctx, r.task)

	if err := r.to(ctx, task.StateImplementing, n, nil); err != nil {
		return it, scoring.Result{}, err
	}
	art, err := r.o.invoker.Implement(logging.WithAgent(ctx, "implementation"), r.o.agents.Implementer, r.task, fb)
	if err != nil {
		span.RecordError(err)
		return it, scoring.Result{}, err
	}
	it.Artifact = art

	if err := r.to(ctx, task.StateReviewing, n, nil); err != nil {
		return it, scoring.Result{}, err
	}
	if r.o.agents.Reviewer != nil {
		rev, err := r.o.invoker.Review(logging.WithAgent(ctx, "review"), r.o.agents.Reviewer, r.task, n, art)
		if err != nil {
			span.RecordError(err)
			return it, scoring.Result{}, err
		}
		it.Review = rev
	}

	if r.o.shortCircuit && it.Review.HasCritical() {
		r.o.logger.Info(ctx, "critical finding, skipping tests")
	} else {
		if err := r.to(ctx, task.StateTesting, n, nil); err != nil {
			return it, scoring.Result{}, err
		}
		if r.o.agents.Tester != nil {
			res, err := r.o.invoker.Test(logging.WithAgent(ctx, "test"), r.o.agents.Tester, r.task, n, art)
			if err != nil {
				span.RecordError(err)
				return it, scoring.Result{}, err
			}
			it.Test = res
		}
	}

	if err := r.to(ctx, task.StateScoring, n, nil); err != nil {
		return it, scoring.Result{}, err
	}
	sub, res := r.o.engine.Score(r.task, it.Review, it.Test)
	it.SubScores = sub
	it.Composite = res.Composite
	it.Failures = res.Failures()
	span.SetAttributes(attribute.Float64("composite", res.Composite), attribute.Bool("accepted", res.Accepted))
	return it, res, nil
}

// record appends it to the history and hands it to the learner. Learning
// uses a context that survives cancellation so finished work is kept.
func (r *run) record(ctx context.Context, it *task.Iteration) {
	it.CompletedAt = r.o.now()
	r.outcome.Iterations = append(r.outcome.Iterations, it)
	if r.o.learner == nil {
		return
	}
	if err := r.o.learner.Learn(context.WithoutCancel(ctx), r.task, it); err != nil {
		r.o.logger.Warn(ctx, "failed to store iteration patterns", zap.Error(err))
	}
}

func (o *Orchestrator) similar(ctx context.Context, t *task.Task) []patterns.Pattern {
	if o.learner == nil || o.examples <= 0 {
		return nil
	}
	examples, err := o.learner.Similar(ctx, t.Description, patterns.CategoryCode, o.examples)
	if err != nil {
		o.logger.Warn(ctx, "pattern retrieval failed", zap.Error(err))
		return nil
	}
	return examples
}
