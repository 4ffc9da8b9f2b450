// Package config provides configuration loading for codeloop.
//
// Configuration is layered: embedded defaults, then an optional YAML file,
// then CODELOOP_* environment variables. Validate fails fast so that no task
// is admitted under an invalid configuration.
package config

import (
	"errors"
	"fmt"
	"regexp"
)

// Agent names recognized under agents.<name>.
const (
	AgentImplementation = "implementation"
	AgentReview         = "review"
	AgentTest           = "test"
)

// Vector database backends.
const (
	VectorDBChromem = "chromem"
	VectorDBQdrant  = "qdrant"
)

// PatternCategories lists the pattern categories; each needs a collection
// named "<category>_patterns" in vectordb.collections.
var PatternCategories = []string{"code", "test", "documentation", "feedback"}

// ErrConfigValidation is wrapped by every ValidationError.
var ErrConfigValidation = errors.New("config validation failed")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfigValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config holds the complete codeloop configuration.
type Config struct {
	System       SystemConfig           `koanf:"system"`
	Agents       map[string]AgentConfig `koanf:"agents"`
	Feedback     FeedbackConfig         `koanf:"feedback"`
	Learning     LearningConfig         `koanf:"learning"`
	VectorDB     VectorDBConfig         `koanf:"vectordb"`
	Embeddings   EmbeddingsConfig       `koanf:"embeddings"`
	Metrics      MetricsConfig          `koanf:"metrics"`
	Scheduler    SchedulerConfig        `koanf:"scheduler"`
	Orchestrator OrchestratorConfig     `koanf:"orchestrator"`
	Server       ServerConfig           `koanf:"server"`
	NATS         NATSConfig             `koanf:"nats"`
	Logging      LoggingConfig          `koanf:"logging"`
	Telemetry    TelemetryConfig        `koanf:"telemetry"`
}

// SystemConfig holds process-wide limits.
type SystemConfig struct {
	RefreshRate int `koanf:"refresh_rate"` // seconds between scheduler passes
	BatchSize   int `koanf:"batch_size"`   // tasks admitted per pass
	MaxFileSize int `koanf:"max_file_size"`
}

// AgentConfig configures one of the three agents.
type AgentConfig struct {
	Enabled           bool     `koanf:"enabled"`
	Model             string   `koanf:"model"`
	Temperature       float64  `koanf:"temperature"`
	CoverageThreshold float64  `koanf:"coverage_threshold"`
	Timeout           Duration `koanf:"timeout"`
	MaxRetries        int      `koanf:"max_retries"`
	RateLimit         float64  `koanf:"rate_limit"` // invocations per second, 0 disables
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Command           []string `koanf:"command"`
}

// FeedbackConfig holds scoring weights by dimension.
type FeedbackConfig struct {
	Weights map[string]float64 `koanf:"weights"`
}

// LearningConfig controls pattern learning.
type LearningConfig struct {
	Enabled          bool      `koanf:"enabled"`
	RewardScaling    float64   `koanf:"reward_scaling"`
	HistoryRetention Retention `koanf:"history_retention"`

	// RedactSecrets scrubs credentials from artifacts before they are stored.
	RedactSecrets bool     `koanf:"redact_secrets"`
	AllowList     []string `koanf:"allow_list"`
}

// VectorDBConfig selects and configures the pattern store backend.
type VectorDBConfig struct {
	Type        string   `koanf:"type"`
	Collections []string `koanf:"collections"`
	Path        string   `koanf:"path"` // chromem persistence dir, empty for in-memory
	Compress    bool     `koanf:"compress"`
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	UseTLS      bool     `koanf:"use_tls"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // fastembed, tei or hash
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	CacheDir string `koanf:"cache_dir"`
}

// MetricsConfig configures durable metric recording.
type MetricsConfig struct {
	PostgresDSN Secret `koanf:"postgres_dsn"`
}

// SchedulerConfig bounds concurrent orchestrators.
type SchedulerConfig struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

// OrchestratorConfig tunes the per-task loop.
type OrchestratorConfig struct {
	ShortCircuitOnCritical bool `koanf:"short_circuit_on_critical"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds lifecycle event publishing configuration.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of telemetry settings exposed in the file.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Agent returns the configuration for name, or a disabled zero config.
func (c *Config) Agent(name string) AgentConfig {
	if c.Agents == nil {
		return AgentConfig{}
	}
	return c.Agents[name]
}

// CollectionFor returns the collection configured for a pattern category.
func (c *Config) CollectionFor(category string) (string, bool) {
	want := category + "_patterns"
	for _, name := range c.VectorDB.Collections {
		if name == want {
			return name, true
		}
	}
	return "", false
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Validate checks the configuration and returns the first problem found as
// a *ValidationError.
func (c *Config) Validate() error {
	if c.System.RefreshRate <= 0 {
		return invalid("system.refresh_rate", "must be positive, got %d", c.System.RefreshRate)
	}
	if c.System.BatchSize <= 0 {
		return invalid("system.batch_size", "must be positive, got %d", c.System.BatchSize)
	}
	if c.System.MaxFileSize <= 0 {
		return invalid("system.max_file_size", "must be positive, got %d", c.System.MaxFileSize)
	}

	if !c.Agent(AgentImplementation).Enabled {
		return invalid("agents.implementation.enabled", "the implementation agent cannot be disabled")
	}
	for name, a := range c.Agents {
		field := "agents." + name
		switch name {
		case AgentImplementation, AgentReview, AgentTest:
		default:
			return invalid(field, "unknown agent")
		}
		if !a.Enabled {
			continue
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			return invalid(field+".temperature", "must be within 0-2, got %v", a.Temperature)
		}
		if a.CoverageThreshold < 0 || a.CoverageThreshold > 100 {
			return invalid(field+".coverage_threshold", "must be within 0-100, got %v", a.CoverageThreshold)
		}
		if a.Timeout.Duration() <= 0 {
			return invalid(field+".timeout", "must be positive")
		}
		if a.MaxRetries < 0 {
			return invalid(field+".max_retries", "must be >= 0, got %d", a.MaxRetries)
		}
		if a.RateLimit < 0 {
			return invalid(field+".rate_limit", "must be >= 0, got %v", a.RateLimit)
		}
	}

	for dim, w := range c.Feedback.Weights {
		if w < 0 {
			return invalid("feedback.weights."+dim, "must be >= 0, got %v", w)
		}
	}

	if c.Learning.RewardScaling < 0 {
		return invalid("learning.reward_scaling", "must be >= 0, got %v", c.Learning.RewardScaling)
	}
	if _, _, err := c.Learning.HistoryRetention.Parse(); err != nil {
		return invalid("learning.history_retention", "%v", err)
	}
	for i, p := range c.Learning.AllowList {
		if _, err := regexp.Compile(p); err != nil {
			return invalid(fmt.Sprintf("learning.allow_list[%d]", i), "%v", err)
		}
	}

	switch c.VectorDB.Type {
	case VectorDBChromem:
	case VectorDBQdrant:
		if c.VectorDB.Host == "" {
			return invalid("vectordb.host", "required for qdrant")
		}
		if c.VectorDB.Port <= 0 || c.VectorDB.Port > 65535 {
			return invalid("vectordb.port", "invalid port %d", c.VectorDB.Port)
		}
	default:
		return invalid("vectordb.type", "unknown type %q (want %s or %s)", c.VectorDB.Type, VectorDBChromem, VectorDBQdrant)
	}
	seen := make(map[string]bool, len(c.VectorDB.Collections))
	for _, name := range c.VectorDB.Collections {
		if !collectionNamePattern.MatchString(name) {
			return invalid("vectordb.collections", "collection name %q must match %s", name, collectionNamePattern)
		}
		if seen[name] {
			return invalid("vectordb.collections", "duplicate collection %q", name)
		}
		seen[name] = true
	}
	for _, cat := range PatternCategories {
		if _, ok := c.CollectionFor(cat); !ok {
			return invalid("vectordb.collections", "missing collection %s_patterns", cat)
		}
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "hash":
	default:
		return invalid("embeddings.provider", "unknown provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		return invalid("embeddings.base_url", "required for tei")
	}

	if c.Scheduler.MaxConcurrent <= 0 {
		return invalid("scheduler.max_concurrent", "must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", "invalid port %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return invalid("server.shutdown_timeout", "must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return invalid("telemetry.sample_rate", "must be within 0-1, got %v", c.Telemetry.SampleRate)
	}

	return nil
}
