// Package config holds the bridge server configuration: a YAML file with
// defaults applied in code, flag overrides handled by the caller.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentbridge/agentbridge/internal/sessiondir"
)

// ProviderConfig customizes one backend CLI.
type ProviderConfig struct {
	Command string `yaml:"command,omitempty"` // binary name or path override
}

// Config is the full bridge configuration.
type Config struct {
	ListenAddr     string   `yaml:"listen_addr,omitempty"`
	BaseDir        string   `yaml:"base_dir,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	AuthToken      string   `yaml:"auth_token,omitempty"`

	RunTimeout             time.Duration `yaml:"run_timeout,omitempty"`
	DebounceInterval       time.Duration `yaml:"debounce_interval,omitempty"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval,omitempty"`
	RejectionFlushInterval time.Duration `yaml:"rejection_flush_interval,omitempty"`
	MaxMessageBytes        int64         `yaml:"max_message_bytes,omitempty"`

	DefaultProvider string                    `yaml:"default_provider,omitempty"`
	Providers       map[string]ProviderConfig `yaml:"providers,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddr:             "127.0.0.1:8765",
		BaseDir:                sessiondir.DefaultBaseDir(),
		RunTimeout:             10 * time.Minute,
		DebounceInterval:       300 * time.Millisecond,
		HeartbeatInterval:      30 * time.Second,
		RejectionFlushInterval: time.Minute,
		MaxMessageBytes:        64 << 20,
		DefaultProvider:        "claude",
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude"},
			"codex":  {Command: "codex"},
		},
		LogLevel: "info",
	}
}

// Load reads path (when non-empty) over the defaults. A missing file with
// an empty path is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = d.DebounceInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RejectionFlushInterval <= 0 {
		c.RejectionFlushInterval = d.RejectionFlushInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = d.DefaultProvider
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, pc := range d.Providers {
		got, ok := c.Providers[name]
		if !ok {
			c.Providers[name] = pc
			continue
		}
		if got.Command == "" {
			got.Command = pc.Command
			c.Providers[name] = got
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return fmt.Errorf("default provider %q has no provider config", c.DefaultProvider)
	}
	for name, pc := range c.Providers {
		if pc.Command == "" {
			return fmt.Errorf("provider %q has an empty command", name)
		}
	}
	return nil
}

// Command returns the CLI binary for a provider name, falling back to the
// provider name itself.
func (c *Config) Command(provider string) string {
	if pc, ok := c.Providers[provider]; ok && pc.Command != "" {
		return pc.Command
	}
	return provider
}

// SlogLevel maps the configured log level to a slog.Level. Unknown
// values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
