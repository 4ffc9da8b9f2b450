package scoring

import "github.com/fyrsmithlabs/codeloop/internal/task"

// Engine binds the configured feedback weights to Evaluate.
type Engine struct {
	weights map[string]float64
}

// NewEngine copies weights so later mutation by the caller has no effect.
func NewEngine(weights map[string]float64) *Engine {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Engine{weights: w}
}

// Score evaluates one iteration's agent results against t's thresholds.
func (e *Engine) Score(t *task.Task, review *task.Review, test *task.TestResult) (map[string]float64, Result) {
	sub := SubScores(review, test)
	return sub, Evaluate(sub, e.weights, t.QualityThresholds)
}

// Weights returns a copy of the configured weights.
func (e *Engine) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}
