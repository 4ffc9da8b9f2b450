package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.System.RefreshRate)
	assert.Equal(t, 10, cfg.System.BatchSize)
	assert.Equal(t, 1048576, cfg.System.MaxFileSize)

	impl := cfg.Agent(AgentImplementation)
	assert.True(t, impl.Enabled)
	assert.Equal(t, 2*time.Minute, impl.Timeout.Duration())
	assert.Equal(t, 2, impl.MaxRetries)

	test := cfg.Agent(AgentTest)
	assert.Equal(t, 90.0, test.CoverageThreshold)
	assert.Equal(t, []string{"go", "test", "-v", "-cover", "./..."}, test.Command)

	assert.InDelta(t, 0.4, cfg.Feedback.Weights["code_review"], 1e-9)
	assert.True(t, cfg.Learning.Enabled)
	assert.True(t, cfg.Learning.RedactSecrets)
	_, infinite, err := cfg.Learning.HistoryRetention.Parse()
	require.NoError(t, err)
	assert.True(t, infinite)

	assert.Equal(t, VectorDBChromem, cfg.VectorDB.Type)
	for _, cat := range PatternCategories {
		_, ok := cfg.CollectionFor(cat)
		assert.True(t, ok, cat)
	}
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	assert.False(t, cfg.Orchestrator.ShortCircuitOnCritical)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
}

func TestLoadWithFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
system:
  batch_size: 3
agents:
  review:
    timeout: 30s
    api_key: sk-test
feedback:
  weights:
    style_score: 0.5
learning:
  history_retention: 720h
vectordb:
  type: qdrant
  host: qdrant.internal
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.System.BatchSize)
	assert.Equal(t, 5, cfg.System.RefreshRate, "untouched keys keep their defaults")

	review := cfg.Agent(AgentReview)
	assert.Equal(t, 30*time.Second, review.Timeout.Duration())
	assert.Equal(t, "gpt-4o", review.Model)
	assert.Equal(t, "sk-test", review.APIKey.Value())
	assert.Equal(t, "[REDACTED]", review.APIKey.String())

	assert.InDelta(t, 0.5, cfg.Feedback.Weights["style_score"], 1e-9)
	assert.InDelta(t, 0.4, cfg.Feedback.Weights["code_review"], 1e-9)

	window, infinite, err := cfg.Learning.HistoryRetention.Parse()
	require.NoError(t, err)
	assert.False(t, infinite)
	assert.Equal(t, 720*time.Hour, window)

	assert.Equal(t, VectorDBQdrant, cfg.VectorDB.Type)
	assert.Equal(t, "qdrant.internal", cfg.VectorDB.Host)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "system:\n  batch_size: 3\n")

	t.Setenv("CODELOOP_SYSTEM_BATCH_SIZE", "7")
	t.Setenv("CODELOOP_SCHEDULER_MAX_CONCURRENT", "2")
	t.Setenv("CODELOOP_AGENTS_TEST_MAX_RETRIES", "4")
	t.Setenv("CODELOOP_FEEDBACK_WEIGHTS_SECURITY_SCORE", "0.9")
	t.Setenv("CODELOOP_ORCHESTRATOR_SHORT_CIRCUIT_ON_CRITICAL", "true")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.System.BatchSize)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 4, cfg.Agent(AgentTest).MaxRetries)
	assert.InDelta(t, 0.9, cfg.Feedback.Weights["security_score"], 1e-9)
	assert.True(t, cfg.Orchestrator.ShortCircuitOnCritical)
}

func TestLoadWithFile_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadWithFile(writeConfig(t, "system: [unterminated"))
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		big := make([]byte, maxConfigFileSize+1)
		for i := range big {
			big[i] = '#'
		}
		path := filepath.Join(t.TempDir(), "big.yaml")
		require.NoError(t, os.WriteFile(path, big, 0600))

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("world readable", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission model differs on windows")
		}
		path := filepath.Join(t.TempDir(), "open.yaml")
		require.NoError(t, os.WriteFile(path, []byte("system:\n  batch_size: 1\n"), 0644))
		require.NoError(t, os.Chmod(path, 0644))

		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure")
	})
}

func TestLoadWithFile_ValidationFailsFast(t *testing.T) {
	_, err := LoadWithFile(writeConfig(t, "scheduler:\n  max_concurrent: 0\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigValidation))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "scheduler.max_concurrent", verr.Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"zero refresh rate", func(c *Config) { c.System.RefreshRate = 0 }, "system.refresh_rate"},
		{"negative batch size", func(c *Config) { c.System.BatchSize = -1 }, "system.batch_size"},
		{"zero max file size", func(c *Config) { c.System.MaxFileSize = 0 }, "system.max_file_size"},
		{"implementation disabled", func(c *Config) {
			a := c.Agents[AgentImplementation]
			a.Enabled = false
			c.Agents[AgentImplementation] = a
		}, "agents.implementation.enabled"},
		{"temperature out of range", func(c *Config) {
			a := c.Agents[AgentReview]
			a.Temperature = 2.5
			c.Agents[AgentReview] = a
		}, "agents.review.temperature"},
		{"coverage threshold out of range", func(c *Config) {
			a := c.Agents[AgentTest]
			a.CoverageThreshold = 101
			c.Agents[AgentTest] = a
		}, "agents.test.coverage_threshold"},
		{"unknown agent", func(c *Config) { c.Agents["deploy"] = AgentConfig{} }, "agents.deploy"},
		{"negative weight", func(c *Config) { c.Feedback.Weights["code_review"] = -0.1 }, "feedback.weights.code_review"},
		{"bad retention", func(c *Config) { c.Learning.HistoryRetention = "forever" }, "learning.history_retention"},
		{"bad allow list", func(c *Config) { c.Learning.AllowList = []string{"("} }, "learning.allow_list[0]"},
		{"unknown vectordb", func(c *Config) { c.VectorDB.Type = "pinecone" }, "vectordb.type"},
		{"missing collection", func(c *Config) {
			c.VectorDB.Collections = []string{"code_patterns", "test_patterns", "feedback_patterns"}
		}, "vectordb.collections"},
		{"unknown embeddings provider", func(c *Config) { c.Embeddings.Provider = "magic" }, "embeddings.provider"},
		{"tei without url", func(c *Config) { c.Embeddings.Provider = "tei" }, "embeddings.base_url"},
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrent = 0 }, "scheduler.max_concurrent"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "telemetry.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, ErrConfigValidation)
		})
	}
}

func TestValidate_DisabledAgentSkipsChecks(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	a := cfg.Agents[AgentReview]
	a.Enabled = false
	a.Timeout = 0
	cfg.Agents[AgentReview] = a

	assert.NoError(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CODELOOP_SYSTEM_BATCH_SIZE":              "system.batch_size",
		"CODELOOP_AGENTS_REVIEW_TIMEOUT":          "agents.review.timeout",
		"CODELOOP_AGENTS_TEST_COVERAGE_THRESHOLD": "agents.test.coverage_threshold",
		"CODELOOP_FEEDBACK_WEIGHTS_CODE_REVIEW":   "feedback.weights.code_review",
		"CODELOOP_METRICS_POSTGRES_DSN":           "metrics.postgres_dsn",
		"CODELOOP_AGENTS":                         "agents",
		"CODELOOP_AGENTS_REVIEW":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestTaskDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	a := cfg.Agents[AgentTest]
	a.CoverageThreshold = 75
	cfg.Agents[AgentTest] = a

	d := cfg.TaskDefaults()
	assert.Equal(t, 75.0, d.QualityThresholds["test_coverage"])
	assert.Equal(t, 85.0, d.QualityThresholds["code_review"])
	assert.Equal(t, 5, d.MaxIterations)
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}

func TestRetention_Parse(t *testing.T) {
	_, inf, err := Retention("").Parse()
	require.NoError(t, err)
	assert.True(t, inf)

	_, inf, err = Retention("INFINITE").Parse()
	require.NoError(t, err)
	assert.True(t, inf)

	w, inf, err := Retention("24h").Parse()
	require.NoError(t, err)
	assert.False(t, inf)
	assert.Equal(t, 24*time.Hour, w)

	_, _, err = Retention("0s").Parse()
	assert.Error(t, err)
}
