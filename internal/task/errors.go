package task

import "errors"

// Error kinds surfaced by agents, orchestrators and the scheduler.
// A missed quality threshold is deliberately absent: it is the iterate
// verdict, not an error.
var (
	// ErrAgentTimeout marks an agent invocation that exceeded its deadline.
	// It is retried a bounded number of times before escalation.
	ErrAgentTimeout = errors.New("agent invocation timed out")

	// ErrAgentFatal marks a non-retryable agent failure. The task is rejected.
	ErrAgentFatal = errors.New("agent failed")

	// ErrDependencyFailure marks a task rejected because a dependency was rejected.
	ErrDependencyFailure = errors.New("dependency rejected")

	// ErrIterationLimitExceeded marks a task that used its whole iteration
	// budget without meeting every threshold.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")

	// ErrInvalidTransition marks an edge outside the lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidTask marks a submission that failed validation.
	ErrInvalidTask = errors.New("invalid task")
)
