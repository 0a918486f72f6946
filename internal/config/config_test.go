package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "sk-test"
	return cfg
}

func TestDefaultConfigNeedsCredentials(t *testing.T) {
	err := DefaultConfig().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.Default = "gemini"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default provider")
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestStringMasksCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant-secret"

	rendered := cfg.String()
	assert.NotContains(t, rendered, "sk-ant-secret")
	assert.NotContains(t, rendered, "sk-test")
	assert.Contains(t, rendered, "***")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dexa.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", cfg.Providers.Default)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.NotEmpty(t, cfg.Sessions.DBPath)
}

func TestLoadReadsFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dexa.json")
	payload := `{
		"backend": {"base_url": "http://tools.internal:9000"},
		"providers": {"default": "anthropic", "anthropic": {"api_key": "sk-ant"}},
		"gateway": {"port": 9090}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://tools.internal:9000", cfg.Backend.BaseURL)
	assert.Equal(t, "anthropic", cfg.Providers.Default)
	assert.Equal(t, "sk-ant", cfg.Providers.APIKeyFor("anthropic"))
	assert.Equal(t, 9090, cfg.Gateway.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Backend.TimeoutSeconds)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dexa.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.Gateway.Port = 18080
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 18080, loaded.Gateway.Port)
	assert.Equal(t, "sk-test", loaded.Providers.APIKeyFor("openrouter"))
}
