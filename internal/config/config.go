// Package config loads the application configuration from a YAML file with
// environment overrides. Environment variables always win over file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentgit/internal/store"
)

// Environment variables consulted after the file is parsed.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvModel           = "AGENTGIT_MODEL"
	EnvLogLevel        = "AGENTGIT_LOG_LEVEL"
	EnvAutoCheckpoint  = "AGENTGIT_AUTO_CHECKPOINT"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Provider   ProviderConfig   `yaml:"provider"`
	Agent      AgentConfig      `yaml:"agent"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig selects and locates the persistence backend.
type DatabaseConfig struct {
	// Backend is "embedded" or "networked".
	Backend string `yaml:"backend"`

	// URL is a file path or sqlite:// URL for embedded, a postgres:// URL
	// for networked.
	URL string `yaml:"url"`
}

// ProviderConfig configures the LLM backend.
type ProviderConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	MaxTokens  int    `yaml:"max_tokens"`
	MaxRetries int    `yaml:"max_retries"`
}

// AgentConfig configures the conversational runtime.
type AgentConfig struct {
	SystemPrompt   string `yaml:"system_prompt"`
	AutoCheckpoint *bool  `yaml:"auto_checkpoint"`
	MaxToolRounds  int    `yaml:"max_tool_rounds"`
}

// CheckpointConfig configures checkpoint housekeeping.
type CheckpointConfig struct {
	// AutoCleanupKeep is how many recent auto checkpoints cleanup retains.
	AutoCleanupKeep int `yaml:"auto_cleanup_keep"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	auto := true
	return &Config{
		Database: DatabaseConfig{
			Backend: store.BackendEmbedded,
			URL:     store.DefaultDatabasePath,
		},
		Provider: ProviderConfig{
			Model:      "claude-sonnet-4-20250514",
			MaxTokens:  4096,
			MaxRetries: 3,
		},
		Agent: AgentConfig{
			AutoCheckpoint: &auto,
			MaxToolRounds:  10,
		},
		Checkpoint: CheckpointConfig{AutoCleanupKeep: 5},
		Logging:    LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, expands ${VAR} references, and applies
// environment overrides. An empty path skips the file and loads defaults plus
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(store.EnvDatabase); v != "" {
		c.Database.Backend = v
	}
	if v := os.Getenv(store.EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvAnthropicAPIKey); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvAutoCheckpoint); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Agent.AutoCheckpoint = &parsed
		}
	}
}

func (c *Config) validate() error {
	switch c.Database.Backend {
	case store.BackendEmbedded, store.BackendNetworked:
	default:
		return fmt.Errorf("%w: unknown database backend %q", store.ErrValidation, c.Database.Backend)
	}
	if strings.TrimSpace(c.Database.URL) != "" {
		url, detected, err := store.NormalizeURL(c.Database.URL)
		if err != nil {
			return err
		}
		if detected != c.Database.Backend {
			return fmt.Errorf("%w: backend %q does not match database url %q",
				store.ErrValidation, c.Database.Backend, c.Database.URL)
		}
		c.Database.URL = url
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", store.ErrValidation, c.Logging.Level)
	}
	if c.Checkpoint.AutoCleanupKeep < 0 {
		return fmt.Errorf("%w: auto_cleanup_keep must be >= 0", store.ErrValidation)
	}
	return nil
}

// StoreConfig converts the database section into a store configuration,
// keeping the store's pool defaults.
func (c *Config) StoreConfig() store.Config {
	sc := store.DefaultConfig()
	sc.Backend = c.Database.Backend
	sc.URL = c.Database.URL
	return sc
}

// AutoCheckpointEnabled reports whether turns with user tool calls snapshot
// automatically.
func (c *Config) AutoCheckpointEnabled() bool {
	return c.Agent.AutoCheckpoint == nil || *c.Agent.AutoCheckpoint
}
