// Package executor resolves agent names to the provider clients that run
// their steps. Provider implementations live in subpackages; this package
// re-exports the step types so callers import a single name.
package executor

import (
	"fmt"

	"relay/pkg/config"
	"relay/pkg/executor/anthropic"
	"relay/pkg/executor/cli"
	"relay/pkg/executor/google"
	"relay/pkg/executor/ollama"
	"relay/pkg/executor/openai"
	"relay/pkg/executor/step"
)

// Executor runs one step against one provider.
type Executor = step.Executor

// Request is the provider-independent step input.
type Request = step.Request

// Registry maps agent names to ready-to-call executors. It is built once at
// startup so a missing credential fails the daemon, not the first user request.
type Registry struct {
	executors map[string]step.Executor
}

// NewRegistry builds one executor per configured agent binding.
func NewRegistry(cfg *config.Config, secrets *config.Secrets) (*Registry, error) {
	r := &Registry{executors: make(map[string]step.Executor, len(cfg.Agents))}
	for i := range cfg.Agents {
		binding := cfg.Agents[i]
		exec, err := build(binding, secrets)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", binding.Name, err)
		}
		r.executors[binding.Name] = exec
	}
	return r, nil
}

func build(binding config.AgentConfig, secrets *config.Secrets) (step.Executor, error) {
	provider := binding.Provider
	if provider == "" {
		inferred, err := config.GetModelProvider(binding.Model)
		if err != nil {
			return nil, err
		}
		provider = inferred
	}

	switch provider {
	case config.ProviderAnthropic:
		key, err := secrets.Get(config.EnvAnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		return anthropic.New(key, binding.Model), nil
	case config.ProviderOpenAI:
		key, err := secrets.Get(config.EnvOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return openai.New(key, binding.Model), nil
	case config.ProviderGoogle:
		key, err := secrets.Get(config.EnvGoogleAPIKey)
		if err != nil {
			return nil, err
		}
		return google.New(key, binding.Model), nil
	case config.ProviderOllama:
		// The host is optional; a bare install serves localhost.
		host, _ := secrets.Get(config.EnvOllamaHost)
		return ollama.New(host, binding.Model), nil
	case config.ProviderCLI:
		if binding.CLI == nil {
			return nil, fmt.Errorf("cli provider requires cli configuration")
		}
		return cli.New(*binding.CLI), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// For returns the executor bound to agent, falling back to the default binding.
func (r *Registry) For(agent string) (step.Executor, error) {
	if exec, ok := r.executors[agent]; ok {
		return exec, nil
	}
	if exec, ok := r.executors[config.DefaultAgentName]; ok {
		return exec, nil
	}
	return nil, fmt.Errorf("no executor for agent %q and no default binding", agent)
}

// Agents returns the bound agent names, for status reporting.
func (r *Registry) Agents() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}
