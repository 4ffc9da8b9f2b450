// Package task defines the unit of work driven through the implement, review,
// test and score loop, together with its lifecycle state machine.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Type classifies the kind of change a task asks for.
type Type string

const (
	TypeFeature     Type = "feature"
	TypeBug         Type = "bug"
	TypeEnhancement Type = "enhancement"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeFeature, TypeBug, TypeEnhancement:
		return true
	}
	return false
}

// Priority orders ready tasks in the scheduler.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns a sortable weight, higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Task is a unit of work with requirements, acceptance criteria and a
// bounded iteration budget. Everything except State is fixed at submission.
type Task struct {
	ID                 string             `json:"id"`
	Type               Type               `json:"type"`
	Priority           Priority           `json:"priority"`
	Description        string             `json:"description"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	Requirements       []string           `json:"requirements"`
	AcceptanceCriteria []string           `json:"acceptance_criteria"`
	MaxIterations      int                `json:"max_iterations"`
	QualityThresholds  map[string]float64 `json:"quality_thresholds"`
	SubmittedAt        time.Time          `json:"submitted_at"`
}

// Clone returns a deep copy so orchestrator runs never share slices or maps.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Requirements = append([]string(nil), t.Requirements...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.QualityThresholds = make(map[string]float64, len(t.QualityThresholds))
	for k, v := range t.QualityThresholds {
		c.QualityThresholds[k] = v
	}
	return &c
}

// Artifact is a code artifact produced by the implementation agent.
type Artifact struct {
	Language string `json:"language,omitempty"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content"`
	Notes    string `json:"notes,omitempty"`
	Digest   string `json:"digest"`
}

// NewArtifact builds an artifact and computes its content digest.
func NewArtifact(language, path, content string) *Artifact {
	sum := sha256.Sum256([]byte(content))
	return &Artifact{
		Language: language,
		Path:     path,
		Content:  content,
		Digest:   hex.EncodeToString(sum[:]),
	}
}

// Size returns the artifact size in bytes.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Content)
}

// Severity grades a review finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps free-form model output onto a known severity.
// Unknown values degrade to info.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical", "high", "error", "major":
		return SeverityCritical
	case "warning", "medium", "minor":
		return SeverityWarning
	}
	return SeverityInfo
}

// ReviewFinding is a single structured observation from the review agent.
type ReviewFinding struct {
	Dimension string   `json:"dimension"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Location  string   `json:"location,omitempty"`
}

// Review is the review agent's result for one artifact.
type Review struct {
	// Score is the overall code_review score, 0-100.
	Score float64 `json:"score"`
	// Dimensions holds per-dimension scores such as security or style.
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Findings   []ReviewFinding    `json:"findings,omitempty"`
	Summary    string             `json:"summary,omitempty"`
}

// HasCritical reports whether any finding is critical.
func (r *Review) HasCritical() bool {
	if r == nil {
		return false
	}
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// TestResult is the test agent's result for one artifact.
type TestResult struct {
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Coverage float64  `json:"coverage"`
	Failures []string `json:"failures,omitempty"`
	// Source is the generated test file, kept for pattern learning.
	Source string `json:"source,omitempty"`
	Output string `json:"output,omitempty"`
}

// Verdict is the scoring outcome of an iteration.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictIterate  Verdict = "iterate"
	VerdictRejected Verdict = "rejected"
)

// Iteration is one pass through implement, review, test and score.
// It is immutable once appended to an outcome.
type Iteration struct {
	TaskID      string             `json:"task_id"`
	Number      int                `json:"number"`
	Artifact    *Artifact          `json:"artifact,omitempty"`
	Review      *Review            `json:"review,omitempty"`
	Test        *TestResult        `json:"test,omitempty"`
	SubScores   map[string]float64 `json:"sub_scores,omitempty"`
	Composite   float64            `json:"composite"`
	Verdict     Verdict            `json:"verdict"`
	Failures    []string           `json:"failures,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Findings returns the review findings, or nil when no review ran.
func (it *Iteration) Findings() []ReviewFinding {
	if it == nil || it.Review == nil {
		return nil
	}
	return it.Review.Findings
}

// Outcome is the terminal report of one task run.
type Outcome struct {
	TaskID     string       `json:"task_id"`
	State      State        `json:"state"`
	Iterations []*Iteration `json:"iterations"`
	Err        error        `json:"-"`
	Error      string       `json:"error,omitempty"`
}

// Last returns the most recent iteration, or nil if none ran.
func (o *Outcome) Last() *Iteration {
	if o == nil || len(o.Iterations) == 0 {
		return nil
	}
	return o.Iterations[len(o.Iterations)-1]
}

// SetErr records err on the outcome in both error and text form.
func (o *Outcome) SetErr(err error) {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}
