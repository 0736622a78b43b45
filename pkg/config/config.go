// Package config loads and validates the server configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind          = "127.0.0.1:4820"
	DefaultProvider      = "openrouter"
	DefaultModel         = "anthropic/claude-sonnet-4"
	DefaultShell         = "/bin/sh"
	DefaultContextBudget = 8000

	DefaultCommandTimeout = 2 * time.Minute

	// MinSecretLength is the minimum length for the JWT signing secret
	MinSecretLength = 32
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	AutoRun   AutoRunConfig   `yaml:"auto_run"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
	Workspace WorkspaceConfig `yaml:"workspace"`
}

// ServerConfig controls the HTTP listener and session auth
type ServerConfig struct {
	Bind      string `yaml:"bind"`
	JWTSecret string `yaml:"jwt_secret"` // From SKIFF_JWT_SECRET if unset
	Metrics   bool   `yaml:"metrics"`
}

// ModelConfig selects the LLM provider and model
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"` // From OPENROUTER_API_KEY if unset
}

// TerminalConfig controls PTY command execution
type TerminalConfig struct {
	Shell          string        `yaml:"shell"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// UnmarshalYAML accepts Go duration strings for command_timeout, which
// yaml.v3 cannot decode into a time.Duration on its own.
func (t *TerminalConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Shell          string `yaml:"shell"`
		CommandTimeout string `yaml:"command_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Shell = raw.Shell
	if raw.CommandTimeout != "" {
		d, err := time.ParseDuration(raw.CommandTimeout)
		if err != nil {
			return fmt.Errorf("parse command_timeout: %w", err)
		}
		t.CommandTimeout = d
	}
	return nil
}

// AutoRunConfig tunes the autonomous loop
type AutoRunConfig struct {
	ContextBudget int    `yaml:"context_budget"` // tokens retained in rolling context
	SystemPrompt  string `yaml:"system_prompt"`  // optional override
}

// BusConfig selects the message bus backend
type BusConfig struct {
	// NATSURL enables the NATS backend when set; empty uses the in-memory bus.
	NATSURL string `yaml:"nats_url"`
}

// LoggingConfig controls structured session logs
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// WorkspaceConfig controls where sessions run
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Bind:    DefaultBind,
			Metrics: true,
		},
		Model: ModelConfig{
			Provider: DefaultProvider,
			Name:     DefaultModel,
		},
		Terminal: TerminalConfig{
			Shell:          DefaultShell,
			CommandTimeout: DefaultCommandTimeout,
		},
		AutoRun: AutoRunConfig{
			ContextBudget: DefaultContextBudget,
		},
		Logging: LoggingConfig{
			Dir:      filepath.Join(home, ".skiff", "logs"),
			MinLevel: "info",
		},
		Workspace: WorkspaceConfig{
			Root: ".",
		},
	}
}

// Load reads configuration from path, applies defaults for unset fields, and
// pulls secrets from the environment. A missing file is not an error; the
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = os.Getenv("SKIFF_JWT_SECRET")
	}
	if url := os.Getenv("SKIFF_NATS_URL"); url != "" {
		c.Bus.NATSURL = url
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Bind == "" {
		c.Server.Bind = def.Server.Bind
	}
	if c.Model.Provider == "" {
		c.Model.Provider = def.Model.Provider
	}
	if c.Model.Name == "" {
		c.Model.Name = def.Model.Name
	}
	if c.Terminal.Shell == "" {
		c.Terminal.Shell = def.Terminal.Shell
	}
	if c.Terminal.CommandTimeout <= 0 {
		c.Terminal.CommandTimeout = def.Terminal.CommandTimeout
	}
	if c.AutoRun.ContextBudget <= 0 {
		c.AutoRun.ContextBudget = def.AutoRun.ContextBudget
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = def.Logging.MinLevel
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = def.Workspace.Root
	}
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid server bind address %q: %w", c.Server.Bind, err)
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < MinSecretLength {
		return fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	switch c.Logging.MinLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.MinLevel)
	}
	return nil
}
