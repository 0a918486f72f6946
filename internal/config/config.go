// Package config defines the daemon configuration: the tool backend, the
// chat providers, the gateway, and session housekeeping.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main dexa configuration.
type Config struct {
	// Tool backend
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Chat providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Session store
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Background maintenance
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BackendConfig points at the tool backend.
type BackendConfig struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the backend HTTP timeout.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ProvidersConfig holds per-provider credentials and the default selection.
type ProvidersConfig struct {
	Default    string         `json:"default" mapstructure:"default"` // anthropic, openai, openrouter
	Model      string         `json:"model" mapstructure:"model"`     // optional override
	Anthropic  ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
	OpenAI     ProviderConfig `json:"openai" mapstructure:"openai"`
	OpenRouter ProviderConfig `json:"openrouter" mapstructure:"openrouter"`
}

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// APIKeyFor returns the configured key for a provider name.
func (p ProvidersConfig) APIKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return p.Anthropic.APIKey
	case "openai":
		return p.OpenAI.APIKey
	default:
		return p.OpenRouter.APIKey
	}
}

// GatewayConfig holds gateway server configuration.
type GatewayConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`
}

// SessionsConfig holds session store configuration.
type SessionsConfig struct {
	DBPath       string `json:"db_path" mapstructure:"db_path"`
	MaxIdleHours int    `json:"max_idle_hours" mapstructure:"max_idle_hours"`
}

// MaxIdle returns the idle-session cutoff.
func (s SessionsConfig) MaxIdle() time.Duration {
	return time.Duration(s.MaxIdleHours) * time.Hour
}

// JanitorConfig holds maintenance schedules (five-field cron expressions).
type JanitorConfig struct {
	PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
	StatsSchedule string `json:"stats_schedule" mapstructure:"stats_schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:3001",
			TimeoutSeconds: 30,
		},
		Providers: ProvidersConfig{
			Default: "openrouter",
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Sessions: SessionsConfig{
			MaxIdleHours: 24,
		},
		Janitor: JanitorConfig{
			PruneSchedule: "*/10 * * * *",
			StatsSchedule: "0 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with credentials
// masked.
func (c *Config) String() string {
	clone := *c
	clone.Providers.Anthropic.APIKey = mask(clone.Providers.Anthropic.APIKey)
	clone.Providers.OpenAI.APIKey = mask(clone.Providers.OpenAI.APIKey)
	clone.Providers.OpenRouter.APIKey = mask(clone.Providers.OpenRouter.APIKey)

	data, _ := json.MarshalIndent(&clone, "", "  ")
	return string(data)
}

func mask(key string) string {
	if key == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout_seconds must be positive")
	}

	switch c.Providers.Default {
	case "anthropic", "openai", "openrouter":
	default:
		return fmt.Errorf("invalid default provider %q (must be: anthropic, openai, openrouter)", c.Providers.Default)
	}
	if c.Providers.APIKeyFor(c.Providers.Default) == "" {
		return fmt.Errorf("no API key configured for default provider %q", c.Providers.Default)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	if c.Sessions.MaxIdleHours <= 0 {
		return fmt.Errorf("sessions max_idle_hours must be positive")
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
