package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.botgate/workspace",
				Model:             "claude-sonnet-4-5",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 20,
				ContextWindow:     200000,
				RunTimeoutSeconds: 600,
				BootstrapMaxChars: 20000,
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.botgate",
			Scope:   "per-sender",
			DmScope: "main",
			MainKey: "main",
		},
		Queue: QueueConfig{
			Lanes:      map[string]int{"main": 4, "subagent": 8, "cron": 2},
			Mode:       "collect",
			DebounceMs: 2000,
			Cap:        20,
			Drop:       "old",
		},
		Gateway: GatewayConfig{
			Host:                  "127.0.0.1",
			Port:                  18890,
			WaitTimeoutMs:         30000,
			IdempotencyTTLSeconds: 60,
		},
		Retry: RetryConfig{
			Attempts:   3,
			MinDelayMs: 500,
			MaxDelayMs: 30000,
			Jitter:     0.2,
		},
		Commands: CommandsConfig{
			Sigil: "/",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets are never
// read from the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BOTGATE_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("BOTGATE_STORAGE"); v != "" {
		c.Sessions.Storage = v
	}
}

// applyDefaults fills holes a sparse config file leaves behind.
func (c *Config) applyDefaults() {
	if c.Queue.Lanes == nil {
		c.Queue.Lanes = map[string]int{"main": 4}
	}
	if _, ok := c.Queue.Lanes["main"]; !ok {
		c.Queue.Lanes["main"] = 4
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = "collect"
	}
	if c.Queue.DebounceMs == 0 {
		c.Queue.DebounceMs = 2000
	}
	if c.Queue.Cap == 0 {
		c.Queue.Cap = 20
	}
	if c.Queue.Drop == "" {
		c.Queue.Drop = "old"
	}
	if c.Sessions.MainKey == "" {
		c.Sessions.MainKey = "main"
	}
	if c.Sessions.DmScope == "" {
		c.Sessions.DmScope = "main"
	}
	if c.Agents.Defaults.RunTimeoutSeconds <= 0 {
		c.Agents.Defaults.RunTimeoutSeconds = 600
	}
	if c.Agents.Defaults.ContextWindow <= 0 {
		c.Agents.Defaults.ContextWindow = 200000
	}
	if c.Agents.Defaults.BootstrapMaxChars <= 0 {
		c.Agents.Defaults.BootstrapMaxChars = 20000
	}
	if c.Gateway.WaitTimeoutMs <= 0 {
		c.Gateway.WaitTimeoutMs = 30000
	}
	if c.Gateway.IdempotencyTTLSeconds <= 0 {
		c.Gateway.IdempotencyTTLSeconds = 60
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.MinDelayMs <= 0 {
		c.Retry.MinDelayMs = 500
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 30000
	}
	if c.Commands.Sigil == "" {
		c.Commands.Sigil = "/"
	}
	if p := c.Agents.Defaults.ContextPruning; p != nil {
		if p.TTLSeconds <= 0 {
			p.TTLSeconds = 300
		}
		if p.KeepLastAssistants <= 0 {
			p.KeepLastAssistants = 3
		}
		if p.SoftTrimRatio <= 0 {
			p.SoftTrimRatio = 0.3
		}
		if p.HardClearRatio <= 0 {
			p.HardClearRatio = 0.5
		}
		if p.SoftTrim == nil {
			p.SoftTrim = &ContextPruningSoftTrim{}
		}
		if p.SoftTrim.HeadChars <= 0 {
			p.SoftTrim.HeadChars = 600
		}
		if p.SoftTrim.TailChars <= 0 {
			p.SoftTrim.TailChars = 200
		}
	}
}

// ExpandHome resolves a leading "~/" against the user home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
