// Package config loads and validates the relay's configuration.
//
// Configuration comes from a single YAML file (relay.yaml) read once at
// startup into a plain struct. There is no hot reload and no global
// singleton: the loaded Config is passed explicitly to every service so
// tests can construct isolated instances.
//
// Durations are YAML strings ("90s", "5m") with accessor methods that apply
// defaults; state (what is running, what happened) never lives here — that
// belongs to the ledger.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifiers for step executors.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderCLI       = "cli"
)

// Secret names the executor registry resolves through Secrets (file first,
// environment fallback).
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// DefaultAgentName is the binding used when a step names an unbound agent.
const DefaultAgentName = "default"

// Model name constants for the models the relay ships bindings for.
const (
	ModelClaudeSonnet       = "claude-sonnet-4-5"
	ModelClaudeOpus         = "claude-opus-4-5"
	ModelClaudeSonnetLatest = ModelClaudeSonnet
	ModelGPT4o              = "gpt-4o"
	ModelGPT5               = "gpt-5"
	ModelO3                 = "o3"
	ModelO3Mini             = "o3-mini"
	ModelGeminiFlash        = "gemini-2.5-flash"
	ModelGeminiPro          = "gemini-3-pro-preview"

	// DefaultModel backs any agent binding that does not name a model.
	DefaultModel = ModelClaudeSonnet
)

// ModelInfo carries static pricing and capacity data for a known model.
// This data is hardcoded, not user-configurable; the config file can only
// narrow capacity (MaxConnections) per deployment.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // cost per million input tokens (USD)
	OutputCPM        float64 // cost per million output tokens (USD)
	MaxContextTokens int     // maximum context window
	MaxOutputTokens  int     // maximum output tokens per request
	MaxTPM           int     // provider tokens-per-minute allowance
	MaxConnections   int     // concurrent in-flight calls the relay allows
}

// KnownModels is the per-model cost table loaded at startup. Unknown models
// fall back to provider inference via ProviderPatterns and zero cost.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	ModelClaudeSonnet: {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
		MaxTPM:           80000,
		MaxConnections:   4,
	},
	ModelClaudeOpus: {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
		MaxTPM:           40000,
		MaxConnections:   2,
	},
	ModelGPT4o: {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
		MaxTPM:           80000,
		MaxConnections:   4,
	},
	ModelGPT5: {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
		MaxTPM:           40000,
		MaxConnections:   2,
	},
	ModelO3: {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
		MaxTPM:           80000,
		MaxConnections:   4,
	},
	ModelO3Mini: {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
		MaxTPM:           120000,
		MaxConnections:   8,
	},
	ModelGeminiFlash: {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
		MaxTPM:           200000,
		MaxConnections:   8,
	},
	ModelGeminiPro: {
		Provider:         ProviderGoogle,
		InputCPM:         2.0,
		OutputCPM:        12.0,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
		MaxTPM:           80000,
		MaxConnections:   4,
	},
}

// ProviderPattern infers a provider from a model-name prefix, so new models
// work without a code change.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the API provider for a model, checking KnownModels
// first and falling back to prefix patterns.
func GetModelProvider(model string) (string, error) {
	if info, ok := KnownModels[model]; ok {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(model, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("cannot determine provider for model %q", model)
}

// ModelCost estimates the USD cost of a call from the cost table. Unknown
// models cost zero, which keeps local/CLI models free as they should be.
func ModelCost(model string, inputTokens, outputTokens int) float64 {
	info, ok := KnownModels[model]
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(inputTokens)/million*info.InputCPM + float64(outputTokens)/million*info.OutputCPM
}

// Config is the relay's startup configuration.
type Config struct {
	// Channels lists the queue keys the relay serves, one queue per entry
	// ("telegram", "email", "voice"). An empty list gets DefaultChannels.
	Channels []string `yaml:"channels"`

	Queue        QueueConfig        `yaml:"queue"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Agents bind agent names to executors. The orchestrator refuses steps
	// whose agent has no binding unless a binding named "default" exists.
	Agents []AgentConfig `yaml:"agents"`

	// Models optionally narrows capacity per model, overriding KnownModels.
	Models map[string]ModelOverride `yaml:"models"`

	Store  StoreConfig  `yaml:"store"`
	Status StatusConfig `yaml:"status"`
}

// DefaultChannels are the queue keys used when the config names none.
//
//nolint:gochecknoglobals // static default
var DefaultChannels = []string{"telegram", "email", "voice"}

// QueueConfig controls per-channel task serialization.
type QueueConfig struct {
	// GuardTimeout bounds how long one task may hold a queue. A task that
	// exceeds it keeps running in the background, but the queue advances.
	GuardTimeout string `yaml:"guard_timeout"`
	// MaxPending bounds queue depth; Enqueue fails beyond it.
	MaxPending int `yaml:"max_pending"`
}

// GetGuardTimeout parses GuardTimeout, defaulting to 15 minutes.
func (q QueueConfig) GetGuardTimeout() time.Duration {
	return parseDuration(q.GuardTimeout, 15*time.Minute)
}

// GetMaxPending returns MaxPending, defaulting to 50.
func (q QueueConfig) GetMaxPending() int {
	if q.MaxPending <= 0 {
		return 50
	}
	return q.MaxPending
}

// TrackerConfig controls heartbeat staleness detection and kill escalation.
type TrackerConfig struct {
	WatchdogTick   string `yaml:"watchdog_tick"`
	StaleThreshold string `yaml:"stale_threshold"`
	KillGrace      string `yaml:"kill_grace"`
}

// GetWatchdogTick parses WatchdogTick, defaulting to 60 seconds.
func (t TrackerConfig) GetWatchdogTick() time.Duration {
	return parseDuration(t.WatchdogTick, 60*time.Second)
}

// GetStaleThreshold parses StaleThreshold, defaulting to 90 seconds.
func (t TrackerConfig) GetStaleThreshold() time.Duration {
	return parseDuration(t.StaleThreshold, 90*time.Second)
}

// GetKillGrace parses KillGrace, defaulting to 5 seconds.
func (t TrackerConfig) GetKillGrace() time.Duration {
	return parseDuration(t.KillGrace, 5*time.Second)
}

// ReconcilerConfig controls the consistency sweep.
type ReconcilerConfig struct {
	Interval string `yaml:"interval"`
	// SessionLeakThreshold is the active-session count above which the
	// reconciler logs a possible session-store leak.
	SessionLeakThreshold int `yaml:"session_leak_threshold"`
}

// GetInterval parses Interval, defaulting to 60 seconds.
func (r ReconcilerConfig) GetInterval() time.Duration {
	return parseDuration(r.Interval, 60*time.Second)
}

// GetSessionLeakThreshold returns SessionLeakThreshold, defaulting to 20.
func (r ReconcilerConfig) GetSessionLeakThreshold() int {
	if r.SessionLeakThreshold <= 0 {
		return 20
	}
	return r.SessionLeakThreshold
}

// ResilienceConfig carries the defaults for breakers and retries around
// external calls.
type ResilienceConfig struct {
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
}

// BreakerConfig configures circuit breakers guarding external dependencies.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	ResetTimeout     string `yaml:"reset_timeout"`
	CallTimeout      string `yaml:"call_timeout"`
}

// GetFailureThreshold returns FailureThreshold, defaulting to 3.
func (b BreakerConfig) GetFailureThreshold() int {
	if b.FailureThreshold <= 0 {
		return 3
	}
	return b.FailureThreshold
}

// GetResetTimeout parses ResetTimeout, defaulting to 30 seconds.
func (b BreakerConfig) GetResetTimeout() time.Duration {
	return parseDuration(b.ResetTimeout, 30*time.Second)
}

// GetCallTimeout parses CallTimeout, defaulting to 2 minutes.
func (b BreakerConfig) GetCallTimeout() time.Duration {
	return parseDuration(b.CallTimeout, 2*time.Minute)
}

// RetryConfig configures bounded exponential backoff for external calls.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
}

// GetMaxRetries returns MaxRetries, defaulting to 3.
func (r RetryConfig) GetMaxRetries() int {
	if r.MaxRetries <= 0 {
		return 3
	}
	return r.MaxRetries
}

// GetBaseDelay parses BaseDelay, defaulting to 1 second.
func (r RetryConfig) GetBaseDelay() time.Duration {
	return parseDuration(r.BaseDelay, time.Second)
}

// GetMaxDelay parses MaxDelay, defaulting to 30 seconds.
func (r RetryConfig) GetMaxDelay() time.Duration {
	return parseDuration(r.MaxDelay, 30*time.Second)
}

// OrchestratorConfig controls run execution.
type OrchestratorConfig struct {
	// MaxCriticRounds bounds the generate-critique-revise loop.
	MaxCriticRounds int `yaml:"max_critic_rounds"`
	// DefaultMaxTokens caps step output when a binding does not set one.
	DefaultMaxTokens int `yaml:"default_max_tokens"`
	// DefaultTemperature applies when a binding does not set one.
	DefaultTemperature float32 `yaml:"default_temperature"`
}

// GetMaxCriticRounds returns MaxCriticRounds, defaulting to 3.
func (o OrchestratorConfig) GetMaxCriticRounds() int {
	if o.MaxCriticRounds <= 0 {
		return 3
	}
	return o.MaxCriticRounds
}

// GetDefaultMaxTokens returns DefaultMaxTokens, defaulting to 4096.
func (o OrchestratorConfig) GetDefaultMaxTokens() int {
	if o.DefaultMaxTokens <= 0 {
		return 4096
	}
	return o.DefaultMaxTokens
}

// GetDefaultTemperature returns DefaultTemperature, defaulting to 0.2.
func (o OrchestratorConfig) GetDefaultTemperature() float32 {
	if o.DefaultTemperature <= 0 {
		return 0.2
	}
	return o.DefaultTemperature
}

// AgentConfig binds one agent name to a step executor.
type AgentConfig struct {
	// Name is the agent name steps refer to ("dev", "reviewer", "default").
	Name string `yaml:"name"`
	// Provider selects the executor implementation. Empty means inferred
	// from Model via ProviderPatterns; "cli" selects the subprocess executor.
	Provider string `yaml:"provider"`
	// Model names the LLM for API providers.
	Model string `yaml:"model"`
	// MaxTokens and Temperature override the orchestrator defaults.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	// CLI configures the subprocess executor when Provider is "cli".
	CLI *CLIAgentConfig `yaml:"cli"`
}

// CLIAgentConfig configures a subprocess step executor. CLI agents are the
// only runs with PIDs, which is what makes kill escalation meaningful.
type CLIAgentConfig struct {
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"workdir"`
	Timeout string   `yaml:"timeout"`
}

// GetTimeout parses Timeout, defaulting to 10 minutes.
func (c CLIAgentConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Minute)
}

// ModelOverride narrows a model's capacity for this deployment.
type ModelOverride struct {
	MaxConnections int `yaml:"max_connections"`
	MaxTPM         int `yaml:"max_tpm"`
}

// ModelCapacity resolves a model's concurrency and TPM caps: deployment
// overrides first, then KnownModels, then a permissive default for models
// the table does not know.
func (c *Config) ModelCapacity(model string) (maxConnections, maxTPM int) {
	maxConnections, maxTPM = 4, 0
	if info, ok := KnownModels[model]; ok {
		maxConnections, maxTPM = info.MaxConnections, info.MaxTPM
	}
	if ov, ok := c.Models[model]; ok {
		if ov.MaxConnections > 0 {
			maxConnections = ov.MaxConnections
		}
		if ov.MaxTPM > 0 {
			maxTPM = ov.MaxTPM
		}
	}
	return maxConnections, maxTPM
}

// StoreConfig names the relay's on-disk locations.
type StoreConfig struct {
	// Dir is the relay state directory; relative paths below resolve
	// against it.
	Dir string `yaml:"dir"`
	// LedgerPath is the SQLite ledger database file.
	LedgerPath string `yaml:"ledger_path"`
	// SessionDir is the external agent CLI's session directory (read-only).
	SessionDir string `yaml:"session_dir"`
	// OutboxDir receives notification JSONL files for channel adapters.
	OutboxDir string `yaml:"outbox_dir"`
	// LogDir receives rotated log files; empty falls back to <Dir>/logs.
	LogDir string `yaml:"log_dir"`
	// LogKeep bounds how many rotated log files are retained.
	LogKeep int `yaml:"log_keep"`
}

// GetLogKeep returns LogKeep, defaulting to 10.
func (s StoreConfig) GetLogKeep() int {
	if s.LogKeep <= 0 {
		return 10
	}
	return s.LogKeep
}

// StatusConfig controls the status/metrics HTTP server.
type StatusConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr"`
}

// AgentBinding returns the binding for name, falling back to the binding
// named "default".
func (c *Config) AgentBinding(name string) (AgentConfig, bool) {
	var fallback AgentConfig
	haveFallback := false
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return c.Agents[i], true
		}
		if c.Agents[i].Name == DefaultAgentName {
			fallback = c.Agents[i]
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// Validate checks the config for contradictions. Zero values are legal
// everywhere a default exists, so Validate only rejects what defaults
// cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("channels: empty channel name")
		}
		if seen[ch] {
			return fmt.Errorf("channels: duplicate channel %q", ch)
		}
		seen[ch] = true
	}

	names := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: missing name", i)
		}
		if names[a.Name] {
			return fmt.Errorf("agents: duplicate agent %q", a.Name)
		}
		names[a.Name] = true

		provider := a.Provider
		if provider == "" && a.Model != "" {
			inferred, err := GetModelProvider(a.Model)
			if err != nil {
				return fmt.Errorf("agent %q: %w", a.Name, err)
			}
			provider = inferred
		}
		switch provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
			if a.Model == "" {
				return fmt.Errorf("agent %q: provider %s requires a model", a.Name, provider)
			}
		case ProviderCLI:
			if a.CLI == nil || a.CLI.Binary == "" {
				return fmt.Errorf("agent %q: cli provider requires cli.binary", a.Name)
			}
		case "":
			return fmt.Errorf("agent %q: no provider and no model to infer one from", a.Name)
		default:
			return fmt.Errorf("agent %q: unknown provider %q", a.Name, provider)
		}
	}

	for _, field := range []struct {
		name, val string
	}{
		{"queue.guard_timeout", c.Queue.GuardTimeout},
		{"tracker.watchdog_tick", c.Tracker.WatchdogTick},
		{"tracker.stale_threshold", c.Tracker.StaleThreshold},
		{"tracker.kill_grace", c.Tracker.KillGrace},
		{"reconciler.interval", c.Reconciler.Interval},
		{"resilience.breaker.reset_timeout", c.Resilience.Breaker.ResetTimeout},
		{"resilience.breaker.call_timeout", c.Resilience.Breaker.CallTimeout},
		{"resilience.retry.base_delay", c.Resilience.Retry.BaseDelay},
		{"resilience.retry.max_delay", c.Resilience.Retry.MaxDelay},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	return nil
}

// EffectiveChannels returns the configured channels or the defaults.
func (c *Config) EffectiveChannels() []string {
	if len(c.Channels) == 0 {
		return append([]string(nil), DefaultChannels...)
	}
	return c.Channels
}

// parseDuration parses a YAML duration string, returning def when the value
// is empty or malformed. Validate flags malformed values; this keeps the
// accessor total.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
