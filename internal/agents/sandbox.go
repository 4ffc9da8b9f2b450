package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/codeloop/internal/task"
	"go.uber.org/zap"
)

// ErrCommandDenied is returned for sandbox commands on the deny list.
var ErrCommandDenied = errors.New("command denied by sandbox policy")

// DefaultTestCommand runs Go tests with coverage.
var DefaultTestCommand = []string{"go", "test", "-v", "-cover", "./..."}

const maxOutputBytes = 64 * 1024

// denyList holds substrings that must not appear in a sandbox command line.
var denyList = []string{
	"rm -rf",
	"sudo",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	"git push",
	":(){ :|:& };:",
}

// BlockedCommand reports whether argv contains a denied substring.
// Matching is case-insensitive.
func BlockedCommand(argv []string) bool {
	lower := strings.ToLower(strings.Join(argv, " "))
	for _, deny := range denyList {
		if strings.Contains(lower, deny) {
			return true
		}
	}
	return false
}

// RunResult is the raw outcome of a sandbox run.
type RunResult struct {
	Output   string
	ExitCode int
}

// Sandbox executes tests against an artifact in isolation.
type Sandbox interface {
	Run(ctx context.Context, a *task.Artifact, tests string) (*RunResult, error)
}

// ExecSandbox writes the artifact and tests into a fresh temp dir and runs
// Command there.
type ExecSandbox struct {
	Command []string
	// Env is appended to a minimal environment.
	Env    []string
	Logger *zap.Logger
}

// NewExecSandbox validates command against the deny list.
func NewExecSandbox(command []string, logger *zap.Logger) (*ExecSandbox, error) {
	if len(command) == 0 {
		command = DefaultTestCommand
	}
	if BlockedCommand(command) {
		return nil, fmt.Errorf("%w: %s", ErrCommandDenied, strings.Join(command, " "))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecSandbox{Command: append([]string(nil), command...), Logger: logger}, nil
}

// Run implements Sandbox. A non-zero exit is reported in RunResult, not
// as an error.
func (s *ExecSandbox) Run(ctx context.Context, a *task.Artifact, tests string) (*RunResult, error) {
	if BlockedCommand(s.Command) {
		return nil, fmt.Errorf("%w: %s: %s", task.ErrAgentFatal, ErrCommandDenied, strings.Join(s.Command, " "))
	}
	dir, err := os.MkdirTemp("", "codeloop-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := writeWorkspace(dir, a, tests); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = sandboxEnv(dir, s.Env)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res := &RunResult{Output: truncate(out.String(), maxOutputBytes)}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("%w: running %s: %w", task.ErrAgentFatal, s.Command[0], err)
	}
	s.Logger.Debug("sandbox run finished", zap.Int("exit_code", res.ExitCode), zap.Int("output_bytes", len(res.Output)))
	return res, nil
}

func writeWorkspace(dir string, a *task.Artifact, tests string) error {
	name := filepath.Base(a.Path)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "main.go"
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(a.Content), 0o600); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if tests != "" {
		if err := os.WriteFile(filepath.Join(dir, testFileName(name)), []byte(tests), 0o600); err != nil {
			return fmt.Errorf("writing tests: %w", err)
		}
	}
	if a.Language == "go" {
		mod := "module sandbox\n\ngo 1.22\n"
		if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(mod), 0o600); err != nil {
			return fmt.Errorf("writing go.mod: %w", err)
		}
	}
	return nil
}

func testFileName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	switch ext {
	case ".go":
		return base + "_test.go"
	case ".py":
		return "test_" + name
	}
	return base + ".test" + ext
}

func sandboxEnv(dir string, extra []string) []string {
	env := []string{"HOME=" + dir, "TMPDIR=" + dir}
	for _, key := range []string{"PATH", "GOPATH", "GOMODCACHE", "GOCACHE", "GOFLAGS", "GOPROXY"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
