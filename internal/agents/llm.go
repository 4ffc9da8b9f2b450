package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewModel creates the OpenAI-compatible chat model configured for an agent.
func NewModel(cfg config.AgentConfig) (llms.Model, error) {
	if cfg.Model == "" {
		return nil, errors.New("agent model is required")
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
	} else if cfg.BaseURL != "" {
		// Local OpenAI-compatible servers ignore the token, but the client requires one.
		opts = append(opts, openai.WithToken("placeholder"))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return llm, nil
}

// generate runs one prompt and classifies transport failures.
func generate(ctx context.Context, model llms.Model, prompt string, temperature float64) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, model, prompt, llms.WithTemperature(temperature))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if transientLLMError(err) {
			return "", &TemporaryError{Err: fmt.Errorf("model call: %w", err)}
		}
		return "", fmt.Errorf("model call: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: empty model response", task.ErrAgentFatal)
	}
	return out, nil
}

var transientMarkers = []string{
	"429", "rate limit", "status code: 5", "timeout", "connection reset", "connection refused", "eof",
}

func transientLLMError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// codeBlock is the first fenced block of a model response.
type codeBlock struct {
	Language string
	Code     string
	// Rest is the prose outside the block.
	Rest string
}

// extractCodeBlock returns the first fenced code block. A response without
// fences is treated as bare code.
func extractCodeBlock(resp string) codeBlock {
	loc := fencePattern.FindStringSubmatchIndex(resp)
	if loc == nil {
		return codeBlock{Code: strings.TrimSpace(resp)}
	}
	rest := strings.TrimSpace(strings.TrimSpace(resp[:loc[0]]) + "\n" + strings.TrimSpace(resp[loc[1]:]))
	return codeBlock{
		Language: strings.ToLower(resp[loc[2]:loc[3]]),
		Code:     strings.TrimRight(resp[loc[4]:loc[5]], " \t\r\n") + "\n",
		Rest:     rest,
	}
}

// extractJSON returns the outermost JSON object in resp.
func extractJSON(resp string) (string, bool) {
	if b := extractCodeBlock(resp); b.Language == "json" {
		resp = b.Code
	}
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return resp[start : end+1], true
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
