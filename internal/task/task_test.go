package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateAssigned, true},
		{StateAssigned, StateImplementing, true},
		{StateImplementing, StateReviewing, true},
		{StateReviewing, StateTesting, true},
		{StateReviewing, StateScoring, true},
		{StateTesting, StateScoring, true},
		{StateScoring, StateAccepted, true},
		{StateScoring, StateIterating, true},
		{StateScoring, StateRejected, true},
		{StateIterating, StateImplementing, true},
		{StatePending, StateRejected, true},
		{StateImplementing, StateRejected, true},
		{StatePending, StateImplementing, false},
		{StateImplementing, StateTesting, false},
		{StateAccepted, StateImplementing, false},
		{StateRejected, StatePending, false},
		{StateIterating, StateAccepted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := CanTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateAccepted.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateIterating.Terminal())
	assert.False(t, StatePending.Terminal())
}

func TestPriority_Rank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("urgent").Rank())
}

func TestParseSubmissions_SingleYAML(t *testing.T) {
	doc := `
id: task-1
type: feature
priority: high
description: add a rate limiter
dependencies: [base, base, util]
requirements:
  - token bucket
  - configurable burst
acceptance_criteria:
  - tests cover burst
max_iterations: 2
quality_thresholds:
  code_review: 85
  test_coverage: 90
`
	tasks, err := ParseSubmissions([]byte(doc), DefaultDefaults())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	got := tasks[0]
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, TypeFeature, got.Type)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, []string{"base", "util"}, got.Dependencies)
	assert.Equal(t, []string{"token bucket", "configurable burst"}, got.Requirements)
	assert.Equal(t, 2, got.MaxIterations)
	assert.Equal(t, map[string]float64{"code_review": 85, "test_coverage": 90}, got.QualityThresholds)
}

func TestParseSubmissions_JSONAppliesDefaults(t *testing.T) {
	doc := `{"id":"bug-7","type":"bug","description":"nil deref","requirements":["guard nil"],"acceptance_criteria":["no panic"]}`

	tasks, err := ParseSubmissions([]byte(doc), DefaultDefaults())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	got := tasks[0]
	assert.Equal(t, PriorityMedium, got.Priority)
	assert.Equal(t, 5, got.MaxIterations)
	assert.Equal(t, 95.0, got.QualityThresholds["security_score"])
}

func TestParseSubmissions_Batch(t *testing.T) {
	doc := `
tasks:
  - id: a
    type: feature
  - id: b
    type: enhancement
    dependencies: [a]
`
	tasks, err := ParseSubmissions([]byte(doc), DefaultDefaults())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, []string{"a"}, tasks[1].Dependencies)

	list := `
- id: x
  type: bug
- id: y
  type: bug
`
	tasks, err = ParseSubmissions([]byte(list), DefaultDefaults())
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestParseSubmissions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing id", "type: feature"},
		{"unknown type", "id: a\ntype: chore"},
		{"unknown priority", "id: a\ntype: bug\npriority: urgent"},
		{"zero iterations", "id: a\ntype: bug\nmax_iterations: 0"},
		{"threshold out of range", "id: a\ntype: bug\nquality_thresholds:\n  code_review: 120"},
		{"self dependency", "id: a\ntype: bug\ndependencies: [a]"},
		{"duplicate in batch", "tasks:\n  - id: a\n    type: bug\n  - id: a\n    type: bug"},
		{"scalar document", "just text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubmissions([]byte(tt.doc), DefaultDefaults())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTask), "got %v", err)
		})
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:                "a",
		Dependencies:      []string{"b"},
		QualityThresholds: map[string]float64{"code_review": 80},
	}
	c := orig.Clone()
	c.Dependencies[0] = "z"
	c.QualityThresholds["code_review"] = 10

	assert.Equal(t, "b", orig.Dependencies[0])
	assert.Equal(t, 80.0, orig.QualityThresholds["code_review"])
}

func TestNewArtifact_Digest(t *testing.T) {
	a := NewArtifact("go", "main.go", "package main")
	b := NewArtifact("go", "main.go", "package main")
	c := NewArtifact("go", "main.go", "package other")

	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.Digest, c.Digest)
	assert.Equal(t, len("package main"), a.Size())

	var nilArtifact *Artifact
	assert.Equal(t, 0, nilArtifact.Size())
}

func TestReview_HasCritical(t *testing.T) {
	r := &Review{Findings: []ReviewFinding{{Severity: SeverityWarning}}}
	assert.False(t, r.HasCritical())

	r.Findings = append(r.Findings, ReviewFinding{Severity: ParseSeverity("major")})
	assert.True(t, r.HasCritical())

	var nilReview *Review
	assert.False(t, nilReview.HasCritical())
}
