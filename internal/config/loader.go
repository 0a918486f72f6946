package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading.
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load loads the configuration from file, falling back to defaults when the
// file does not exist. Environment variables with the DEXA_ prefix override
// file values.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		v.SetEnvPrefix("DEXA")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".dexa")
	}
	if cfg.Sessions.DBPath == "" {
		cfg.Sessions.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "dexa.log")
	}

	return cfg, nil
}

// Save writes the configuration to file.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("backend", cfg.Backend)
	v.Set("providers", cfg.Providers)
	v.Set("gateway", cfg.Gateway)
	v.Set("sessions", cfg.Sessions)
	v.Set("janitor", cfg.Janitor)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dexa", "dexa.json")
}

// Load is a convenience function that creates a loader and loads the config.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
