package agents

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// LLMImplementer writes code with a language model.
type LLMImplementer struct {
	model       llms.Model
	temperature float64
	maxFileSize int
	language    string
	logger      *zap.Logger
}

// ImplementerConfig configures an LLMImplementer.
type ImplementerConfig struct {
	Temperature float64
	// MaxFileSize caps the artifact in bytes; 0 disables the cap.
	MaxFileSize int
	// Language is assumed when the response does not name one.
	Language string
}

// NewLLMImplementer creates an implementer backed by model.
func NewLLMImplementer(model llms.Model, cfg ImplementerConfig, logger *zap.Logger) *LLMImplementer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Language == "" {
		cfg.Language = "go"
	}
	return &LLMImplementer{
		model:       model,
		temperature: cfg.Temperature,
		maxFileSize: cfg.MaxFileSize,
		language:    cfg.Language,
		logger:      logger,
	}
}

// Implement implements Implementer.
func (i *LLMImplementer) Implement(ctx context.Context, t *task.Task, fb Feedback) (*task.Artifact, error) {
	resp, err := generate(ctx, i.model, i.prompt(t, fb), i.temperature)
	if err != nil {
		return nil, err
	}
	block := extractCodeBlock(resp)
	if strings.TrimSpace(block.Code) == "" {
		return nil, fmt.Errorf("%w: model returned no code", task.ErrAgentFatal)
	}
	if i.maxFileSize > 0 && len(block.Code) > i.maxFileSize {
		return nil, fmt.Errorf("%w: artifact is %d bytes, limit is %d", task.ErrAgentFatal, len(block.Code), i.maxFileSize)
	}

	lang := block.Language
	if lang == "" || lang == "golang" {
		lang = i.language
	}
	a := task.NewArtifact(lang, artifactPath(t.ID, lang), block.Code)
	a.Notes = block.Rest

	i.logger.Debug("implementation generated",
		zap.String("task_id", t.ID),
		zap.Int("iteration", fb.Iteration),
		zap.Int("bytes", a.Size()),
	)
	return a, nil
}

func (i *LLMImplementer) prompt(t *task.Task, fb Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a senior %s engineer. Implement the following %s task.\n\n", i.language, t.Type)
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Description)
	writeList(&b, "Requirements", t.Requirements)
	writeList(&b, "Acceptance criteria", t.AcceptanceCriteria)

	for n, ex := range fb.Examples {
		fmt.Fprintf(&b, "\nAccepted example %d (score %.0f):\n```\n%s\n```\n", n+1, ex.Score, ex.Text)
	}

	if !fb.First() {
		fmt.Fprintf(&b, "\nThis is iteration %d. Improve the previous attempt:\n```%s\n%s```\n",
			fb.Iteration, fb.Previous.Language, fb.Previous.Content)
		if len(fb.Failed) > 0 {
			fmt.Fprintf(&b, "\nDimensions below threshold: %s\n", strings.Join(fb.Failed, ", "))
		}
		if len(fb.Findings) > 0 {
			b.WriteString("\nReview findings:\n")
			for _, f := range fb.Findings {
				fmt.Fprintf(&b, "- [%s/%s] %s", f.Severity, f.Dimension, f.Message)
				if f.Location != "" {
					fmt.Fprintf(&b, " at %s", f.Location)
				}
				b.WriteString("\n")
			}
		}
		if fb.Test != nil {
			fmt.Fprintf(&b, "\nTests: %d passed, %d failed, %.1f%% coverage\n", fb.Test.Passed, fb.Test.Failed, fb.Test.Coverage)
			writeList(&b, "Test failures", fb.Test.Failures)
		}
	}

	b.WriteString("\nRespond with the complete file in a single fenced code block, followed by a short explanation.\n")
	return b.String()
}

var unsafePathChars = regexp.MustCompile(`[^a-z0-9_]+`)

var extensions = map[string]string{
	"go":         ".go",
	"python":     ".py",
	"py":         ".py",
	"javascript": ".js",
	"js":         ".js",
	"typescript": ".ts",
	"ts":         ".ts",
	"rust":       ".rs",
	"java":       ".java",
}

// artifactPath derives a file name from the task ID.
func artifactPath(taskID, lang string) string {
	base := strings.Trim(unsafePathChars.ReplaceAllString(strings.ToLower(taskID), "_"), "_")
	if base == "" {
		base = "artifact"
	}
	ext, ok := extensions[lang]
	if !ok {
		ext = ".txt"
	}
	return path.Clean(base + ext)
}
