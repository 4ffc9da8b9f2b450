package agents

import (
	"fmt"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// Set holds the configured agents. Review and Test are nil when disabled.
type Set struct {
	Implementer Implementer
	Reviewer    Reviewer
	Tester      Tester
}

// Policies returns the invoker policy of every configured agent.
func Policies(cfg *config.Config) map[string]Policy {
	out := make(map[string]Policy, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		out[name] = PolicyFromConfig(ac)
	}
	return out
}

// ModelFactory creates a model for an agent configuration.
type ModelFactory func(config.AgentConfig) (llms.Model, error)

// FromConfig builds the enabled agents. newModel defaults to NewModel.
func FromConfig(cfg *config.Config, newModel ModelFactory, logger *zap.Logger) (*Set, error) {
	if newModel == nil {
		newModel = NewModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	set := &Set{}

	impl := cfg.Agent(config.AgentImplementation)
	if !impl.Enabled {
		return nil, fmt.Errorf("%s agent must be enabled", config.AgentImplementation)
	}
	model, err := newModel(impl)
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", config.AgentImplementation, err)
	}
	set.Implementer = NewLLMImplementer(model, ImplementerConfig{
		Temperature: impl.Temperature,
		MaxFileSize: cfg.System.MaxFileSize,
	}, logger.Named(config.AgentImplementation))

	if rev := cfg.Agent(config.AgentReview); rev.Enabled {
		model, err := newModel(rev)
		if err != nil {
			return nil, fmt.Errorf("%s agent: %w", config.AgentReview, err)
		}
		set.Reviewer = NewLLMReviewer(model, rev.Temperature, nil, logger.Named(config.AgentReview))
	}

	if tc := cfg.Agent(config.AgentTest); tc.Enabled {
		model, err := newModel(tc)
		if err != nil {
			return nil, fmt.Errorf("%s agent: %w", config.AgentTest, err)
		}
		sb, err := NewExecSandbox(tc.Command, logger.Named("sandbox"))
		if err != nil {
			return nil, err
		}
		set.Tester = NewSandboxTester(model, tc.Temperature, sb, logger.Named(config.AgentTest))
	}
	return set, nil
}
