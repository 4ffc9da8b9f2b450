// Package scheduler admits task batches, orders them by dependency and
// priority, and runs at most a bounded number of orchestrators at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/logging"
	"github.com/fyrsmithlabs/codeloop/internal/orchestrator"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"go.uber.org/zap"
)

var (
	// ErrUnknownDependency is returned when a task depends on an ID that is
	// neither submitted nor in the same batch.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle is returned when a batch would make the graph cyclic.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrAlreadyAccepted is returned when an accepted task is submitted again.
	ErrAlreadyAccepted = errors.New("task already accepted")

	// ErrDuplicateTask is returned when an ID is pending or running, or
	// appears twice in one batch.
	ErrDuplicateTask = errors.New("task already submitted")

	// ErrUnknownTask is returned by Cancel for an ID never submitted.
	ErrUnknownTask = errors.New("unknown task")
)

// Runner drives one task to a terminal state. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	Run(ctx context.Context, t *task.Task) *task.Outcome
}

// Config bounds dispatch.
type Config struct {
	MaxConcurrent int
	BatchSize     int
	RefreshRate   time.Duration
}

// ConfigFrom maps the scheduler and system sections of cfg.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		BatchSize:     cfg.System.BatchSize,
		RefreshRate:   time.Duration(cfg.System.RefreshRate) * time.Second,
	}
}

// Snapshot is a point-in-time view of one submitted task.
type Snapshot struct {
	Task        *task.Task    `json:"task"`
	State       task.State    `json:"state"`
	Iteration   int           `json:"iteration"`
	Sequence    uint64        `json:"sequence"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
	Outcome     *task.Outcome `json:"outcome,omitempty"`
}

type entry struct {
	task       *task.Task
	seq        uint64
	state      task.State
	iteration  int
	running    bool
	cancel     context.CancelFunc
	outcome    *task.Outcome
	startedAt  time.Time
	finishedAt time.Time
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Task:        e.task.Clone(),
		State:       e.state,
		Iteration:   e.iteration,
		Sequence:    e.seq,
		SubmittedAt: e.task.SubmittedAt,
		StartedAt:   e.startedAt,
		FinishedAt:  e.finishedAt,
		Outcome:     e.outcome,
	}
}

// Scheduler owns the task graph and the ready queue. Every admission
// decision is made under its lock.
type Scheduler struct {
	runner    Runner
	cfg       Config
	logger    *logging.Logger
	observers []orchestrator.Observer
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	active  int
	changed chan struct{}

	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver receives the transitions the scheduler makes itself:
// dependency failures and cancellation of pending tasks.
func WithObserver(obs orchestrator.Observer) Option {
	return func(s *Scheduler) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 5 * time.Second
	}
	s := &Scheduler{
		runner:  runner,
		cfg:     cfg,
		logger:  logging.Nop(),
		now:     time.Now,
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s, nil
}

// Start dispatches until ctx is canceled, then waits for active runs to
// return. Runs inherit ctx, so canceling it rejects them.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshRate)
	defer ticker.Stop()

	s.logger.Info(ctx, "scheduler started",
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("refresh_rate", s.cfg.RefreshRate),
	)
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info(context.WithoutCancel(ctx), "scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit validates and admits a batch atomically. Tasks are cloned; the
// caller's values are never touched.
func (s *Scheduler) Submit(ctx context.Context, tasks ...*task.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: empty batch", task.ErrInvalidTask)
	}

	s.mu.Lock()
	batch := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if t == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: nil task", task.ErrInvalidTask)
		}
		if err := t.Validate(); err != nil {
			s.mu.Unlock()
			return err
		}
		if _, dup := batch[t.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s appears twice in batch", ErrDuplicateTask, t.ID)
		}
		if e, ok := s.entries[t.ID]; ok {
			switch e.state {
			case task.StateAccepted:
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrAlreadyAccepted, t.ID)
			case task.StateRejected:
			default:
				s.mu.Unlock()
				return fmt.Errorf("%w: %s is %s", ErrDuplicateTask, t.ID, e.state)
			}
		}
		batch[t.ID] = t
	}

	graph := make(map[string][]string, len(s.entries)+len(batch))
	for id, e := range s.entries {
		graph[id] = e.task.Dependencies
	}
	for id, t := range batch {
		graph[id] = t.Dependencies
	}
	for _, t := range tasks {
		for _, d := range t.Dependencies {
			if _, ok := graph[d]; !ok {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.ID, d)
			}
		}
	}
	if err := validateGraph(graph); err != nil {
		s.mu.Unlock()
		return err
	}

	now := s.now()
	for _, t := range tasks {
		c := t.Clone()
		if c.SubmittedAt.IsZero() {
			c.SubmittedAt = now
		}
		s.seq++
		s.entries[c.ID] = &entry{task: c, seq: s.seq, state: task.StatePending}
	}

	// A new task behind an already rejected dependency can never run.
	var notes []orchestrator.Transition
	for _, t := range tasks {
		for _, d := range t.Dependencies {
			if e := s.entries[d]; e.state == task.StateRejected {
				notes = append(notes, s.cascadeLocked(d)...)
				break
			}
		}
	}
	s.signalLocked()
	s.mu.Unlock()

	s.logger.Info(ctx, "batch admitted", zap.Int("tasks", len(tasks)))
	s.notify(ctx, notes)
	s.poke()
	return nil
}

// dispatch admits ready tasks up to the batch size and the free slots.
func (s *Scheduler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.cfg.MaxConcurrent - s.active
	if free <= 0 {
		return
	}
	ready := s.readyLocked()
	limit := min(free, s.cfg.BatchSize, len(ready))
	for _, e := range ready[:limit] {
		s.startLocked(ctx, e)
	}
	if limit > 0 {
		s.logger.Debug(ctx, "dispatched", zap.Int("tasks", limit), zap.Int("active", s.active), zap.Int("ready", len(ready)-limit))
	}
}

// readyLocked returns pending tasks whose dependencies are all accepted,
// highest priority first, then in submission order.
func (s *Scheduler) readyLocked() []*entry {
	var ready []*entry
	for _, e := range s.entries {
		if e.state != task.StatePending || e.running {
			continue
		}
		ok := true
		for _, d := range e.task.Dependencies {
			if s.entries[d].state != task.StateAccepted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ri, rj := ready[i].task.Priority.Rank(), ready[j].task.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return ready[i].seq < ready[j].seq
	})
	return ready
}

func (s *Scheduler) startLocked(ctx context.Context, e *entry) {
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.startedAt = s.now()
	s.active++
	s.wg.Add(1)

	t := e.task.Clone()
	go func() {
		defer s.wg.Done()
		defer cancel()
		out := s.runner.Run(runCtx, t)
		s.finish(ctx, e, out)
	}()
}

func (s *Scheduler) finish(ctx context.Context, e *entry, out *task.Outcome) {
	if out == nil {
		out = &task.Outcome{TaskID: e.task.ID, State: task.StateRejected}
		out.SetErr(fmt.Errorf("%w: runner returned no outcome", task.ErrAgentFatal))
	}
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.active--
	e.running = false
	e.cancel = nil
	e.outcome = out
	e.state = out.State
	e.iteration = len(out.Iterations)
	e.finishedAt = s.now()

	var notes []orchestrator.Transition
	if out.State == task.StateRejected {
		notes = s.cascadeLocked(e.task.ID)
	}
	s.signalLocked()
	s.mu.Unlock()

	s.logger.Info(logging.WithTask(ctx, e.task.ID, len(out.Iterations)), "task finished",
		zap.String("state", string(out.State)),
		zap.Int("dependents_rejected", len(notes)),
	)
	s.notify(ctx, notes)
	s.poke()
}

// cascadeLocked rejects every pending transitive dependent of id.
func (s *Scheduler) cascadeLocked(id string) []orchestrator.Transition {
	graph := make(map[string][]string, len(s.entries))
	for eid, e := range s.entries {
		graph[eid] = e.task.Dependencies
	}

	var notes []orchestrator.Transition
	for _, dep := range transitiveDependents(id, graph) {
		e := s.entries[dep]
		if e.state != task.StatePending || e.running {
			continue
		}
		notes = append(notes, s.rejectLocked(e, fmt.Errorf("%w: %s", task.ErrDependencyFailure, id)))
	}
	return notes
}

// rejectLocked terminates a pending task without calling any agent.
func (s *Scheduler) rejectLocked(e *entry, cause error) orchestrator.Transition {
	now := s.now()
	out := &task.Outcome{TaskID: e.task.ID, State: task.StateRejected}
	out.SetErr(cause)
	e.outcome = out
	e.state = task.StateRejected
	e.finishedAt = now
	return orchestrator.Transition{
		TaskID: e.task.ID,
		From:   task.StatePending,
		To:     task.StateRejected,
		At:     now,
		Error:  out.Error,
	}
}

func (s *Scheduler) notify(ctx context.Context, notes []orchestrator.Transition) {
	for _, tr := range notes {
		s.logger.Warn(logging.WithTask(ctx, tr.TaskID, 0), "task rejected by scheduler", zap.String("error", tr.Error))
		for _, obs := range s.observers {
			obs.OnTransition(ctx, tr)
		}
	}
}

// signalLocked wakes every Wait call.
func (s *Scheduler) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// OnTransition tracks the live state of running tasks. Wire the scheduler
// into the orchestrator with orchestrator.WithObserver.
func (s *Scheduler) OnTransition(_ context.Context, tr orchestrator.Transition) {
	if tr.To.Terminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[tr.TaskID]; ok && e.running {
		e.state = tr.To
		e.iteration = tr.Iteration
	}
}

// Cancel stops a task. A running task has its context canceled and is
// rejected by its orchestrator; a pending one is rejected at once. Canceling
// a finished task does nothing.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if e.running {
		e.cancel()
		s.mu.Unlock()
		s.logger.Info(logging.WithTask(ctx, id, e.iteration), "canceling running task")
		return nil
	}
	if e.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	notes := []orchestrator.Transition{s.rejectLocked(e, fmt.Errorf("canceled before dispatch: %w", context.Canceled))}
	notes = append(notes, s.cascadeLocked(id)...)
	s.signalLocked()
	s.mu.Unlock()

	s.notify(ctx, notes)
	return nil
}

// Status returns a snapshot of id.
func (s *Scheduler) Status(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every task in submission order.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Counts returns the number of tasks per state.
func (s *Scheduler) Counts() map[task.State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[task.State]int)
	for _, e := range s.entries {
		counts[e.state]++
	}
	return counts
}

// Wait blocks until every submitted task is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		done := true
		for _, e := range s.entries {
			if !e.state.Terminal() {
				done = false
				break
			}
		}
		ch := s.changed
		s.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
