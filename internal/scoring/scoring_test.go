package scoring

import (
	"math"
	"testing"

	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var twoDimThresholds = map[string]float64{
	"code_review":   85,
	"test_coverage": 90,
}

func TestEvaluate_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		scores   map[string]float64
		accepted bool
		failures []string
	}{
		{
			name:     "review below threshold",
			scores:   map[string]float64{"code_review": 70, "test_coverage": 92},
			accepted: false,
			failures: []string{"code_review"},
		},
		{
			name:     "all thresholds met",
			scores:   map[string]float64{"code_review": 88, "test_coverage": 91},
			accepted: true,
		},
		{
			name:     "strong coverage cannot mask weak review",
			scores:   map[string]float64{"code_review": 60, "test_coverage": 100},
			accepted: false,
			failures: []string{"code_review"},
		},
		{
			name:     "exactly at threshold passes",
			scores:   map[string]float64{"code_review": 85, "test_coverage": 90},
			accepted: true,
		},
		{
			name:     "missing dimension fails closed",
			scores:   map[string]float64{"code_review": 99},
			accepted: false,
			failures: []string{"test_coverage"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(tt.scores, nil, twoDimThresholds)
			assert.Equal(t, tt.accepted, res.Accepted)
			assert.Equal(t, tt.failures, res.Failures())
			assert.Len(t, res.Checks, 2)
		})
	}
}

func TestEvaluate_MissingReason(t *testing.T) {
	res := Evaluate(map[string]float64{"code_review": 99}, nil, twoDimThresholds)

	require.Len(t, res.Checks, 2)
	assert.Equal(t, "code_review", res.Checks[0].Dimension)
	assert.True(t, res.Checks[0].Passed)
	assert.Equal(t, "test_coverage", res.Checks[1].Dimension)
	assert.Equal(t, ReasonMissing, res.Checks[1].Reason)
}

func TestEvaluate_NoThresholdsAccepts(t *testing.T) {
	res := Evaluate(map[string]float64{"code_review": 10}, nil, nil)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Checks)
}

func TestComposite_NormalizesWeights(t *testing.T) {
	scores := map[string]float64{"code_review": 80, "test_coverage": 100}

	a := Composite(scores, map[string]float64{"code_review": 1, "test_coverage": 1})
	b := Composite(scores, map[string]float64{"code_review": 0.5, "test_coverage": 0.5})
	c := Composite(scores, map[string]float64{"code_review": 3, "test_coverage": 1})

	assert.InDelta(t, 90, a, 1e-9)
	assert.InDelta(t, a, b, 1e-9)
	assert.InDelta(t, 85, c, 1e-9)
}

func TestComposite_Reproducible(t *testing.T) {
	scores := map[string]float64{}
	weights := map[string]float64{}
	for i, dim := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		scores[dim] = 100.0 / float64(i+3)
		weights[dim] = 0.1 * float64(i+1) / 3
	}

	var sum, total float64
	for _, dim := range sortedKeys(scores) {
		sum += scores[dim] * weights[dim]
		total += weights[dim]
	}
	want := math.Float64bits(sum / total)

	for i := 0; i < 200; i++ {
		require.Equal(t, want, math.Float64bits(Composite(scores, weights)), "run %d", i)
	}
}

func TestComposite_EdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Composite(nil, nil))

	// Unweighted dimensions are ignored when at least one weight applies.
	scores := map[string]float64{"code_review": 50, "style_score": 0}
	assert.InDelta(t, 50, Composite(scores, map[string]float64{"code_review": 2}), 1e-9)

	// No usable weight falls back to the plain mean.
	assert.InDelta(t, 25, Composite(scores, map[string]float64{"code_review": -1}), 1e-9)

	// Out of range sub-scores are clamped.
	assert.InDelta(t, 100, Composite(map[string]float64{"x": 250}, nil), 1e-9)
	assert.InDelta(t, 0, Composite(map[string]float64{"x": math.NaN()}, nil), 1e-9)
}

func TestSubScores(t *testing.T) {
	review := &task.Review{
		Score:      82,
		Dimensions: map[string]float64{"security": 97, "style": 70},
	}
	test := &task.TestResult{Passed: 3, Failed: 1, Coverage: 91.5}

	got := SubScores(review, test)
	assert.Equal(t, map[string]float64{
		"code_review":    82,
		"security_score": 97,
		"style_score":    70,
		"test_coverage":  91.5,
		"test_pass_rate": 75,
	}, got)

	assert.Empty(t, SubScores(nil, nil))

	noTests := SubScores(nil, &task.TestResult{Coverage: 0})
	_, hasRate := noTests["test_pass_rate"]
	assert.False(t, hasRate)
}

func TestReward(t *testing.T) {
	accepted := Result{Composite: 90, Accepted: true}
	rejected := Result{Composite: 60, Accepted: false}

	assert.InDelta(t, 0.9, Reward(accepted, 1), 1e-9)
	assert.InDelta(t, 1.8, Reward(accepted, 2), 1e-9)
	assert.InDelta(t, -0.4, Reward(rejected, 1), 1e-9)
}

func TestEngine_Score(t *testing.T) {
	weights := map[string]float64{"code_review": 1}
	e := NewEngine(weights)
	weights["code_review"] = 0 // mutation after construction is not observed

	tk := &task.Task{QualityThresholds: map[string]float64{"code_review": 80}}
	sub, res := e.Score(tk, &task.Review{Score: 81}, nil)

	assert.Equal(t, 81.0, sub["code_review"])
	assert.True(t, res.Accepted)
	assert.InDelta(t, 81, res.Composite, 1e-9)
	assert.Equal(t, 1.0, e.Weights()["code_review"])
}
