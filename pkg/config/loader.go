package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the relay's config file, looked up in the state dir.
const ConfigFileName = "relay.yaml"

// Load reads and validates the config file at path. Environment variables in
// the form ${VAR} or ${VAR:-default} are expanded before parsing, so API
// hosts and directories can come from the environment without templating.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	return &cfg, nil
}

// LoadOrDefault loads the config file when it exists and returns the
// defaults when it does not. A malformed file is still an error; only
// absence is forgiven.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		def := Default()
		def.resolvePaths(filepath.Dir(path))
		return def, nil
	}
	return cfg, err
}

// Default returns the configuration used when no relay.yaml exists: default
// channels, default timings, and a single CLI agent binding named "default"
// so the relay is usable out of the box.
func Default() *Config {
	return &Config{
		Channels: append([]string(nil), DefaultChannels...),
		Agents: []AgentConfig{
			{
				Name:     DefaultAgentName,
				Provider: ProviderCLI,
				CLI:      &CLIAgentConfig{Binary: "claude", Args: []string{"-p"}},
			},
		},
		Status: StatusConfig{Addr: "127.0.0.1:8315"},
	}
}

// resolvePaths fills store paths relative to the state directory. The state
// dir itself defaults to the config file's directory.
func (c *Config) resolvePaths(configDir string) {
	if c.Store.Dir == "" {
		c.Store.Dir = configDir
	}
	resolve := func(p, def string) string {
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Store.Dir, p)
	}
	c.Store.LedgerPath = resolve(c.Store.LedgerPath, "ledger.db")
	c.Store.SessionDir = resolve(c.Store.SessionDir, "sessions")
	c.Store.OutboxDir = resolve(c.Store.OutboxDir, "outbox")
	if c.Store.LogDir != "" {
		c.Store.LogDir = resolve(c.Store.LogDir, "")
	}
}

// expandEnv substitutes ${VAR} and ${VAR:-default} references. Unset
// variables without a default expand to the empty string, matching shell
// behavior.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(ref string) string {
		name, def := ref, ""
		for i := 0; i+1 < len(ref); i++ {
			if ref[i] == ':' && ref[i+1] == '-' {
				name, def = ref[:i], ref[i+2:]
				break
			}
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	}))
}
