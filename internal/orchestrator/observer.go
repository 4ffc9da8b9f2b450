package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/task"
)

// Transition is one edge taken in the task lifecycle.
type Transition struct {
	TaskID    string     `json:"task_id"`
	From      task.State `json:"from"`
	To        task.State `json:"to"`
	Iteration int        `json:"iteration"`
	At        time.Time  `json:"at"`
	// Error is set on transitions to Rejected.
	Error string `json:"error,omitempty"`
}

// Observer receives every transition. Implementations must not block.
type Observer interface {
	OnTransition(ctx context.Context, tr Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, tr Transition)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(ctx context.Context, tr Transition) { f(ctx, tr) }
