package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// DefaultDimensions are reviewed when none are configured.
var DefaultDimensions = []string{"security", "performance", "style", "functionality", "documentation"}

var dimensionFocus = map[string]string{
	"security":      "injection, unsafe input handling, secrets in code, missing authorization checks",
	"performance":   "algorithmic complexity, unnecessary allocations, blocking calls, resource leaks",
	"style":         "naming, idiomatic constructs, formatting, dead code",
	"functionality": "whether every requirement and acceptance criterion is met, edge cases, error handling",
	"documentation": "doc comments on exported identifiers, clarity of non-obvious logic",
}

// malformedResponseError is returned when a review cannot be parsed.
// It is retryable.
type malformedResponseError struct {
	dimension string
	reason    string
}

func (e *malformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s review: %s", e.dimension, e.reason)
}

func (e *malformedResponseError) Temporary() bool { return true }

type reviewResponse struct {
	Score    *float64 `json:"score"`
	Findings []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Location string `json:"location"`
	} `json:"findings"`
}

// LLMReviewer reviews an artifact once per dimension.
type LLMReviewer struct {
	model       llms.Model
	temperature float64
	dimensions  []string
	logger      *zap.Logger
}

// NewLLMReviewer creates a reviewer. Empty dimensions use DefaultDimensions.
func NewLLMReviewer(model llms.Model, temperature float64, dimensions []string, logger *zap.Logger) *LLMReviewer {
	if len(dimensions) == 0 {
		dimensions = DefaultDimensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMReviewer{model: model, temperature: temperature, dimensions: dimensions, logger: logger}
}

// Review implements Reviewer. The overall score is the mean of the
// dimension scores.
func (r *LLMReviewer) Review(ctx context.Context, t *task.Task, a *task.Artifact) (*task.Review, error) {
	out := &task.Review{Dimensions: make(map[string]float64, len(r.dimensions))}
	var total float64
	for _, dim := range r.dimensions {
		resp, err := generate(ctx, r.model, r.prompt(t, a, dim), r.temperature)
		if err != nil {
			return nil, err
		}
		score, findings, err := parseReview(dim, resp)
		if err != nil {
			return nil, err
		}
		out.Dimensions[dim] = score
		out.Findings = append(out.Findings, findings...)
		total += score
	}
	out.Score = total / float64(len(r.dimensions))
	out.Summary = summarize(out)

	r.logger.Debug("review complete",
		zap.String("task_id", t.ID),
		zap.Float64("score", out.Score),
		zap.Int("findings", len(out.Findings)),
	)
	return out, nil
}

func (r *LLMReviewer) prompt(t *task.Task, a *task.Artifact, dim string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a code reviewer specialising in %s.\n", dim)
	if focus, ok := dimensionFocus[dim]; ok {
		fmt.Fprintf(&b, "Focus on: %s.\n", focus)
	}
	fmt.Fprintf(&b, "\nTask %s: %s\n", t.ID, t.Description)
	writeList(&b, "Requirements", t.Requirements)
	writeList(&b, "Acceptance criteria", t.AcceptanceCriteria)
	fmt.Fprintf(&b, "\nCode (%s):\n```%s\n%s```\n", a.Path, a.Language, a.Content)
	b.WriteString(`
Respond with JSON only:
{"score": <0-100>, "findings": [{"severity": "info|warning|critical", "message": "...", "location": "file:line"}]}
`)
	return b.String()
}

func parseReview(dim, resp string) (float64, []task.ReviewFinding, error) {
	raw, ok := extractJSON(resp)
	if !ok {
		return 0, nil, &malformedResponseError{dimension: dim, reason: "no JSON object"}
	}
	var rr reviewResponse
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return 0, nil, &malformedResponseError{dimension: dim, reason: err.Error()}
	}
	if rr.Score == nil {
		return 0, nil, &malformedResponseError{dimension: dim, reason: "missing score"}
	}
	score := *rr.Score
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}

	findings := make([]task.ReviewFinding, 0, len(rr.Findings))
	for _, f := range rr.Findings {
		if strings.TrimSpace(f.Message) == "" {
			continue
		}
		findings = append(findings, task.ReviewFinding{
			Dimension: dim,
			Severity:  task.ParseSeverity(strings.ToLower(strings.TrimSpace(f.Severity))),
			Message:   f.Message,
			Location:  f.Location,
		})
	}
	return score, findings, nil
}

func summarize(r *task.Review) string {
	dims := make([]string, 0, len(r.Dimensions))
	for d := range r.Dimensions {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%s %.0f", d, r.Dimensions[d])
	}
	critical := 0
	for _, f := range r.Findings {
		if f.Severity == task.SeverityCritical {
			critical++
		}
	}
	return fmt.Sprintf("overall %.0f (%s), %d findings, %d critical", r.Score, strings.Join(parts, ", "), len(r.Findings), critical)
}
