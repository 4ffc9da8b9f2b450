// Package scoring computes composite quality scores and threshold verdicts.
//
// Everything here is a pure function of its inputs: no storage, no clocks,
// no logging. The orchestrator feeds it sub-scores derived from agent results.
package scoring

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/codeloop/internal/task"
)

// Well-known dimension names produced by SubScores.
const (
	DimensionCodeReview   = "code_review"
	DimensionTestCoverage = "test_coverage"
	DimensionTestPassRate = "test_pass_rate"
)

// Reason explains a failed threshold check.
type Reason string

const (
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonMissing        Reason = "missing"
)

// Check is the outcome of one threshold comparison.
type Check struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Reason    Reason  `json:"reason,omitempty"`
}

// Result is the full scoring verdict for one iteration.
type Result struct {
	Composite float64 `json:"composite"`
	Checks    []Check `json:"checks"`
	Accepted  bool    `json:"accepted"`
}

// Failures returns the dimensions that missed their threshold, sorted.
func (r Result) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Dimension)
		}
	}
	return out
}

// Evaluate computes the weighted composite and checks every threshold.
//
// Weights need not sum to one; they are normalized over the dimensions that
// have both a sub-score and a positive weight. A threshold whose dimension is
// missing from subScores fails. Acceptance requires every check to pass; the
// composite never grants acceptance on its own.
func Evaluate(subScores, weights, thresholds map[string]float64) Result {
	res := Result{
		Composite: Composite(subScores, weights),
		Checks:    make([]Check, 0, len(thresholds)),
		Accepted:  true,
	}

	for _, dim := range sortedKeys(thresholds) {
		floor := thresholds[dim]
		score, ok := subScores[dim]
		check := Check{Dimension: dim, Threshold: floor}
		switch {
		case !ok:
			check.Reason = ReasonMissing
		case clamp(score) >= floor:
			check.Score = clamp(score)
			check.Passed = true
		default:
			check.Score = clamp(score)
			check.Reason = ReasonBelowThreshold
		}
		if !check.Passed {
			res.Accepted = false
		}
		res.Checks = append(res.Checks, check)
	}

	return res
}

// Composite returns the weighted average of subScores. Without any usable
// weight it falls back to the plain mean, and to zero without sub-scores.
func Composite(subScores, weights map[string]float64) float64 {
	if len(subScores) == 0 {
		return 0
	}

	// Summation order is fixed so the result is bit-for-bit reproducible.
	dims := sortedKeys(subScores)
	var sum, total float64
	for _, dim := range dims {
		w := weights[dim]
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		sum += clamp(subScores[dim]) * w
		total += w
	}
	if total > 0 {
		return sum / total
	}

	for _, dim := range dims {
		sum += clamp(subScores[dim])
	}
	return sum / float64(len(subScores))
}

// SubScores derives the dimension map from agent results. Nil results
// contribute nothing so that thresholds on them fail closed.
func SubScores(review *task.Review, test *task.TestResult) map[string]float64 {
	out := make(map[string]float64)
	if review != nil {
		out[DimensionCodeReview] = clamp(review.Score)
		for dim, score := range review.Dimensions {
			out[dim+"_score"] = clamp(score)
		}
	}
	if test != nil {
		out[DimensionTestCoverage] = clamp(test.Coverage)
		if ran := test.Passed + test.Failed; ran > 0 {
			out[DimensionTestPassRate] = 100 * float64(test.Passed) / float64(ran)
		}
	}
	return out
}

// Reward converts a verdict into a learning signal scaled by scaling.
// Accepted iterations earn a positive reward proportional to the composite;
// everything else is penalized by the distance from a perfect score.
func Reward(res Result, scaling float64) float64 {
	frac := clamp(res.Composite) / 100
	if res.Accepted {
		return scaling * frac
	}
	return -scaling * (1 - frac)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
