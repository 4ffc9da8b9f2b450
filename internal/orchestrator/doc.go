// Package orchestrator drives a single task through the lifecycle
//
//	Pending → Assigned → Implementing → Reviewing → Testing → Scoring
//
// and from Scoring to Accepted, Rejected or Iterating, where Iterating
// loops back to Implementing with the latest review findings and test
// results as feedback.
//
// Each call to Run owns the task's mutable state for its duration, so
// concurrent runs share nothing but the injected handles. Every transition
// is reported to the registered observers, every agent call goes through
// the agents.Invoker, and every finished iteration is handed to the
// Learner exactly once.
package orchestrator
