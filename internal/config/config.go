// Package config loads and validates the parley configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/parley/internal/toolhost"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Storage  StorageConfig   `yaml:"storage"`
	LLM      LLMConfig       `yaml:"llm"`
	Sessions SessionsConfig  `yaml:"sessions"`
	Confirm  ConfirmConfig   `yaml:"confirmations"`
	Tools    toolhost.Config `yaml:"tools"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type StorageConfig struct {
	// Driver selects the backend: memory, sqlite, or postgres.
	Driver string `yaml:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	// URL is the DSN for the postgres driver.
	URL string `yaml:"url"`

	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LLMConfig struct {
	// Provider selects the runner: anthropic or openai.
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type SessionsConfig struct {
	MaxLive       int           `yaml:"max_live"`
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens"`
	SystemPrompt  string        `yaml:"system_prompt"`
}

type ConfirmConfig struct {
	// Timeout is how long a confirmation prompt waits before it is
	// treated as denied.
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Load reads and parses the configuration file. Environment variables
// in ${VAR} form are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, expands environment variables,
// applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.MaxConnections == 0 {
		cfg.Storage.MaxConnections = 25
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.Sessions.MaxLive == 0 {
		cfg.Sessions.MaxLive = 50
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = time.Hour
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "@every 5m"
	}
	if cfg.Sessions.MaxIterations == 0 {
		cfg.Sessions.MaxIterations = 10
	}
	if cfg.Sessions.MaxTokens == 0 {
		cfg.Sessions.MaxTokens = 4096
	}
	if cfg.Confirm.Timeout == 0 {
		cfg.Confirm.Timeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field constraints and every tool-server entry.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite, or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	if c.Storage.Driver == "postgres" && c.Storage.URL == "" {
		return fmt.Errorf("storage.url is required for the postgres driver")
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Tools.Servers))
	for _, srv := range c.Tools.Servers {
		if srv == nil {
			continue
		}
		if seen[srv.ID] {
			return fmt.Errorf("duplicate tool server id %q", srv.ID)
		}
		seen[srv.ID] = true
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("tool server %s: %w", srv.ID, err)
		}
	}

	return nil
}
