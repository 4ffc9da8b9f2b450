package agents

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// SandboxTester generates a test file with a model and runs it in a Sandbox.
type SandboxTester struct {
	model       llms.Model
	temperature float64
	sandbox     Sandbox
	logger      *zap.Logger
}

// NewSandboxTester creates a tester.
func NewSandboxTester(model llms.Model, temperature float64, sandbox Sandbox, logger *zap.Logger) *SandboxTester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SandboxTester{model: model, temperature: temperature, sandbox: sandbox, logger: logger}
}

// Test implements Tester.
func (s *SandboxTester) Test(ctx context.Context, t *task.Task, a *task.Artifact) (*task.TestResult, error) {
	resp, err := generate(ctx, s.model, s.prompt(t, a), s.temperature)
	if err != nil {
		return nil, err
	}
	tests := extractCodeBlock(resp).Code
	if strings.TrimSpace(tests) == "" {
		return nil, fmt.Errorf("%w: model returned no tests", task.ErrAgentFatal)
	}

	run, err := s.sandbox.Run(ctx, a, tests)
	if err != nil {
		return nil, err
	}
	res := ParseTestOutput(run.Output, run.ExitCode)
	res.Source = tests

	s.logger.Debug("tests executed",
		zap.String("task_id", t.ID),
		zap.Int("passed", res.Passed),
		zap.Int("failed", res.Failed),
		zap.Float64("coverage", res.Coverage),
	)
	return res, nil
}

func (s *SandboxTester) prompt(t *task.Task, a *task.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write thorough unit tests in %s for the code below.\n", a.Language)
	fmt.Fprintf(&b, "\nTask %s: %s\n", t.ID, t.Description)
	writeList(&b, "Each acceptance criterion needs at least one test", t.AcceptanceCriteria)
	fmt.Fprintf(&b, "\nCode (%s):\n```%s\n%s```\n", a.Path, a.Language, a.Content)
	b.WriteString("\nUse the same package as the code. Aim for high statement coverage. Respond with one fenced code block.\n")
	return b.String()
}

var (
	coveragePattern = regexp.MustCompile(`coverage: ([0-9]+(?:\.[0-9]+)?)% of statements`)
	passPattern     = regexp.MustCompile(`(?m)^\s*--- PASS: `)
	failPattern     = regexp.MustCompile(`(?m)^\s*--- FAIL: (\S+)`)
	pkgOKPattern    = regexp.MustCompile(`(?m)^ok[ \t]+\S+`)
	pkgFailPattern  = regexp.MustCompile(`(?m)^FAIL[ \t]+\S+`)
)

// ParseTestOutput extracts counts and coverage from go test output. Without
// per-test lines it falls back to package ok/FAIL lines, and a non-zero
// exit with nothing recognisable counts as one failure.
func ParseTestOutput(output string, exitCode int) *task.TestResult {
	res := &task.TestResult{Output: output}

	if m := coveragePattern.FindAllStringSubmatch(output, -1); len(m) > 0 {
		var sum float64
		for _, sub := range m {
			v, _ := strconv.ParseFloat(sub[1], 64)
			sum += v
		}
		res.Coverage = sum / float64(len(m))
	}

	res.Passed = len(passPattern.FindAllString(output, -1))
	for _, m := range failPattern.FindAllStringSubmatch(output, -1) {
		res.Failed++
		res.Failures = append(res.Failures, m[1])
	}

	if res.Passed+res.Failed == 0 {
		res.Passed = len(pkgOKPattern.FindAllString(output, -1))
		for _, line := range pkgFailPattern.FindAllString(output, -1) {
			res.Failed++
			res.Failures = append(res.Failures, strings.TrimSpace(line))
		}
	}
	if exitCode != 0 && res.Failed == 0 {
		res.Failed = 1
		res.Failures = append(res.Failures, firstLine(output, exitCode))
	}
	return res
}

func firstLine(output string, exitCode int) string {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return fmt.Sprintf("exit status %d", exitCode)
}
