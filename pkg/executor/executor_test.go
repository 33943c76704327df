package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/config"
)

func TestRegistryResolvesAgents(t *testing.T) {
	t.Setenv(config.EnvAnthropicAPIKey, "test-key")
	cfg := &config.Config{Agents: []config.AgentConfig{
		{Name: "dev", Provider: config.ProviderAnthropic, Model: config.ModelClaudeSonnet},
		{Name: "local", Provider: config.ProviderCLI, CLI: &config.CLIAgentConfig{Binary: "sh"}},
	}}

	r, err := NewRegistry(cfg, config.EnvSecrets())
	require.NoError(t, err)

	dev, err := r.For("dev")
	require.NoError(t, err)
	assert.Equal(t, config.ModelClaudeSonnet, dev.Model())

	local, err := r.For("local")
	require.NoError(t, err)
	assert.Equal(t, "cli:sh", local.Model())

	assert.ElementsMatch(t, []string{"dev", "local"}, r.Agents())
}

func TestRegistryFallsBackToDefault(t *testing.T) {
	cfg := &config.Config{Agents: []config.AgentConfig{
		{Name: config.DefaultAgentName, Provider: config.ProviderCLI, CLI: &config.CLIAgentConfig{Binary: "sh"}},
	}}

	r, err := NewRegistry(cfg, config.EnvSecrets())
	require.NoError(t, err)

	exec, err := r.For("never-configured")
	require.NoError(t, err)
	assert.Equal(t, "cli:sh", exec.Model())
}

func TestRegistryErrorsWithoutDefault(t *testing.T) {
	cfg := &config.Config{Agents: []config.AgentConfig{
		{Name: "local", Provider: config.ProviderCLI, CLI: &config.CLIAgentConfig{Binary: "sh"}},
	}}

	r, err := NewRegistry(cfg, config.EnvSecrets())
	require.NoError(t, err)

	_, err = r.For("never-configured")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never-configured")
}

func TestRegistryMissingSecretFailsStartup(t *testing.T) {
	t.Setenv(config.EnvOpenAIAPIKey, "")
	cfg := &config.Config{Agents: []config.AgentConfig{
		{Name: "writer", Provider: config.ProviderOpenAI, Model: config.ModelGPT4o},
	}}

	_, err := NewRegistry(cfg, config.EnvSecrets())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer")
	assert.Contains(t, err.Error(), config.EnvOpenAIAPIKey)
}

func TestRegistryInfersProviderFromModel(t *testing.T) {
	t.Setenv(config.EnvGoogleAPIKey, "test-key")
	cfg := &config.Config{Agents: []config.AgentConfig{
		{Name: "reviewer", Model: config.ModelGeminiFlash},
	}}

	r, err := NewRegistry(cfg, config.EnvSecrets())
	require.NoError(t, err)

	exec, err := r.For("reviewer")
	require.NoError(t, err)
	assert.Equal(t, config.ModelGeminiFlash, exec.Model())
}

func TestRegistryOllamaHostOptional(t *testing.T) {
	t.Setenv(config.EnvOllamaHost, "")
	cfg := &config.Config{Agents: []config.AgentConfig{
		{Name: "offline", Model: "ollama:phi4"},
	}}

	r, err := NewRegistry(cfg, config.EnvSecrets())
	require.NoError(t, err)

	exec, err := r.For("offline")
	require.NoError(t, err)
	assert.Equal(t, "phi4", exec.Model())
}
