package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CODELOOP_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

//go:embed defaults.yaml
var defaultsYAML []byte

// DefaultPath returns ~/.config/codeloop/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "codeloop", "config.yaml"), nil
}

// Load returns the defaults overridden by the environment.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration in three layers, highest precedence last:
//
//  1. embedded defaults.yaml
//  2. the YAML file at configPath, when configPath is non-empty
//  3. CODELOOP_* environment variables
//
// Environment keys split on the first underscore after the prefix:
//
//	CODELOOP_SYSTEM_BATCH_SIZE              -> system.batch_size
//	CODELOOP_AGENTS_REVIEW_TIMEOUT          -> agents.review.timeout
//	CODELOOP_FEEDBACK_WEIGHTS_CODE_REVIEW   -> feedback.weights.code_review
//
// The config file must be at most 1MB and, outside Windows, have 0600 or 0400
// permissions since it may hold API keys.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readConfigFile opens path once and validates through the open descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, errors.New("config file grew past the size limit while reading")
	}
	return content, nil
}

// envKey maps CODELOOP_SECTION_FIELD_NAME to section.field_name. The agents
// and feedback.weights maps take one more level.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	if rest, ok := strings.CutPrefix(lower, "agents_"); ok {
		name, field, found := strings.Cut(rest, "_")
		if !found {
			return ""
		}
		return "agents." + name + "." + field
	}
	if dim, ok := strings.CutPrefix(lower, "feedback_weights_"); ok {
		return "feedback.weights." + dim
	}

	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	return section + "." + field
}

// TaskDefaults returns the submission defaults. The test_coverage threshold
// follows agents.test.coverage_threshold when it is set.
func (c *Config) TaskDefaults() task.Defaults {
	d := task.DefaultDefaults()
	if cov := c.Agent(AgentTest).CoverageThreshold; cov > 0 {
		d.QualityThresholds[DimensionTestCoverage] = cov
	}
	return d
}

// DimensionTestCoverage is the threshold key fed by agents.test.coverage_threshold.
const DimensionTestCoverage = "test_coverage"
