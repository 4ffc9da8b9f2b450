package patterns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/embeddings"
	"github.com/fyrsmithlabs/codeloop/internal/scoring"
	"github.com/fyrsmithlabs/codeloop/internal/secrets"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"go.uber.org/zap"
)

// Outcome labels stored in pattern metadata.
const (
	OutcomePositive = "positive"
	OutcomeNegative = "negative"
)

// LearnerConfig controls what the Learner records.
type LearnerConfig struct {
	Enabled       bool
	RewardScaling float64
}

// Redactor scrubs credentials from text before it is embedded.
// *secrets.Redactor implements it.
type Redactor interface {
	Redact(text string) (string, []secrets.Finding)
}

// Learner turns finished iterations into stored patterns and retrieves
// similar positive examples for new work.
type Learner struct {
	store    Store
	embedder embeddings.Provider
	redactor Redactor
	cfg      LearnerConfig
	logger   *zap.Logger
	now      func() time.Time
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// WithRedactor scrubs every draft before it is embedded and stored.
func WithRedactor(r Redactor) LearnerOption {
	return func(l *Learner) { l.redactor = r }
}

// NewLearner creates a Learner. A nil *Learner is valid and does nothing.
func NewLearner(store Store, embedder embeddings.Provider, cfg LearnerConfig, logger *zap.Logger, opts ...LearnerOption) (*Learner, error) {
	if store == nil {
		return nil, errors.New("pattern store is required")
	}
	if embedder == nil {
		return nil, errors.New("embedding provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Learner{store: store, embedder: embedder, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Enabled reports whether Learn records anything.
func (l *Learner) Enabled() bool {
	return l != nil && l.cfg.Enabled
}

type draft struct {
	category Category
	text     string
	redacted bool
}

// Learn stores the iteration's artifact, generated tests, review feedback
// and documentation. Patterns already stored for the same task, iteration
// and category are skipped, so replaying an iteration is harmless.
func (l *Learner) Learn(ctx context.Context, t *task.Task, it *task.Iteration) error {
	if !l.Enabled() || t == nil || it == nil {
		return nil
	}

	drafts := collectDrafts(it)
	if len(drafts) == 0 {
		return nil
	}
	l.redact(t.ID, it.Number, drafts)
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.text
	}
	vectors, err := l.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding iteration %d of %s: %w", it.Number, t.ID, err)
	}
	if len(vectors) != len(drafts) {
		return fmt.Errorf("embedding iteration %d of %s: got %d vectors for %d texts", it.Number, t.ID, len(vectors), len(drafts))
	}

	accepted := it.Verdict == task.VerdictAccepted
	outcome := OutcomeNegative
	if accepted {
		outcome = OutcomePositive
	}
	reward := scoring.Reward(scoring.Result{Composite: it.Composite, Accepted: accepted}, l.cfg.RewardScaling)
	created := it.CompletedAt
	if created.IsZero() {
		created = l.now()
	}

	var errs []error
	stored := 0
	for i, d := range drafts {
		p := Pattern{
			ID:        PatternID(t.ID, it.Number, d.category),
			Category:  d.category,
			Text:      d.text,
			Embedding: vectors[i],
			Score:     it.Composite,
			CreatedAt: created,
			Metadata: map[string]string{
				"task_id":   t.ID,
				"iteration": strconv.Itoa(it.Number),
				"outcome":   outcome,
				"verdict":   string(it.Verdict),
				"composite": strconv.FormatFloat(it.Composite, 'f', 2, 64),
				"reward":    strconv.FormatFloat(reward, 'f', 4, 64),
				"task_type": string(t.Type),
				"priority":  string(t.Priority),
			},
		}
		if d.redacted {
			p.Metadata["redacted"] = "true"
		}
		err := l.store.Insert(ctx, p)
		switch {
		case errors.Is(err, ErrDuplicatePattern):
			l.logger.Debug("pattern already stored",
				zap.String("task_id", t.ID), zap.Int("iteration", it.Number), zap.String("category", string(d.category)))
		case err != nil:
			errs = append(errs, fmt.Errorf("storing %s pattern: %w", d.category, err))
		default:
			stored++
		}
	}

	l.logger.Debug("learned from iteration",
		zap.String("task_id", t.ID),
		zap.Int("iteration", it.Number),
		zap.String("outcome", outcome),
		zap.Int("stored", stored),
	)
	return errors.Join(errs...)
}

// Similar returns up to k positive patterns of category closest to text.
func (l *Learner) Similar(ctx context.Context, text string, category Category, k int) ([]Pattern, error) {
	if l == nil || k <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	n, err := l.store.Count(ctx, category)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	vec, err := l.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	// Over-fetch since negatives are filtered out afterwards.
	results, err := l.store.Query(ctx, vec, category, min(n, k*4))
	if err != nil {
		return nil, err
	}
	out := make([]Pattern, 0, k)
	for _, p := range results {
		if p.Metadata["outcome"] != OutcomePositive {
			continue
		}
		out = append(out, p)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (l *Learner) redact(taskID string, iteration int, drafts []draft) {
	if l.redactor == nil {
		return
	}
	for i := range drafts {
		text, findings := l.redactor.Redact(drafts[i].text)
		if len(findings) == 0 {
			continue
		}
		drafts[i].text = text
		drafts[i].redacted = true
		l.logger.Warn("secrets redacted from pattern",
			zap.String("task_id", taskID),
			zap.Int("iteration", iteration),
			zap.String("category", string(drafts[i].category)),
			zap.Strings("rules", secrets.RuleIDs(findings)),
		)
	}
}

func collectDrafts(it *task.Iteration) []draft {
	var out []draft
	if it.Artifact != nil && strings.TrimSpace(it.Artifact.Content) != "" {
		out = append(out, draft{category: CategoryCode, text: it.Artifact.Content})
	}
	if it.Test != nil && strings.TrimSpace(it.Test.Source) != "" {
		out = append(out, draft{category: CategoryTest, text: it.Test.Source})
	}
	if fb := feedbackText(it); fb != "" {
		out = append(out, draft{category: CategoryFeedback, text: fb})
	}
	if doc := documentationText(it.Artifact); doc != "" {
		out = append(out, draft{category: CategoryDocumentation, text: doc})
	}
	return out
}

func feedbackText(it *task.Iteration) string {
	var b strings.Builder
	if it.Review != nil {
		if it.Review.Summary != "" {
			b.WriteString(it.Review.Summary)
			b.WriteString("\n")
		}
		for _, f := range it.Review.Findings {
			fmt.Fprintf(&b, "[%s] %s: %s", f.Severity, f.Dimension, f.Message)
			if f.Location != "" {
				fmt.Fprintf(&b, " (%s)", f.Location)
			}
			b.WriteString("\n")
		}
	}
	if len(it.Failures) > 0 {
		fmt.Fprintf(&b, "failed thresholds: %s\n", strings.Join(it.Failures, ", "))
	}
	if it.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", it.Error)
	}
	return strings.TrimSpace(b.String())
}

// documentationText prefers explicit notes and falls back to line comments.
func documentationText(a *task.Artifact) string {
	if a == nil {
		return ""
	}
	if notes := strings.TrimSpace(a.Notes); notes != "" {
		return notes
	}
	var lines []string
	for _, line := range strings.Split(a.Content, "\n") {
		line = strings.TrimSpace(line)
		if c, ok := strings.CutPrefix(line, "//"); ok {
			if c = strings.TrimSpace(c); c != "" && !strings.HasPrefix(c, "go:") {
				lines = append(lines, c)
			}
		}
	}
	return strings.Join(lines, "\n")
}
