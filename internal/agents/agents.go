// Package agents defines the implementation, review and test capabilities
// and the Invoker that bounds every call to them with a rate limit, a
// per-attempt timeout and bounded retries.
package agents

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/codeloop/internal/patterns"
	"github.com/fyrsmithlabs/codeloop/internal/task"
)

// Implementer produces a code artifact for a task.
type Implementer interface {
	Implement(ctx context.Context, t *task.Task, fb Feedback) (*task.Artifact, error)
}

// Reviewer scores an artifact per quality dimension.
type Reviewer interface {
	Review(ctx context.Context, t *task.Task, a *task.Artifact) (*task.Review, error)
}

// Tester runs tests against an artifact.
type Tester interface {
	Test(ctx context.Context, t *task.Task, a *task.Artifact) (*task.TestResult, error)
}

// Feedback is what the implementer sees from the previous iteration.
type Feedback struct {
	// Iteration is the number of the iteration being produced.
	Iteration int
	Previous  *task.Artifact
	Findings  []task.ReviewFinding
	Test      *task.TestResult
	// Failed lists dimensions that missed their threshold last time.
	Failed []string
	// Examples are similar accepted artifacts.
	Examples []patterns.Pattern
}

// First reports whether there is no earlier iteration to learn from.
func (f Feedback) First() bool {
	return f.Previous == nil
}

// temporary is implemented by errors that may succeed on retry.
type temporary interface {
	Temporary() bool
}

// IsRetryable reports whether err should be retried by the Invoker.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, task.ErrAgentFatal) {
		return false
	}
	if errors.Is(err, task.ErrAgentTimeout) {
		return true
	}
	var tmp temporary
	return errors.As(err, &tmp) && tmp.Temporary()
}

// TemporaryError marks err as retryable.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Temporary() bool { return true }
