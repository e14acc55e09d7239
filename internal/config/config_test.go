package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 250*time.Millisecond, cfg.DebounceWindow())
	assert.Equal(t, 1500*time.Millisecond, cfg.ReconnectDelay())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200, cfg.Retry.InitialBackoffMS)
	assert.Equal(t, 100, cfg.Retry.MaxJitterMS)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeTempConfig(t, `
pricing:
  websocket_url: "wss://pricing.example.com/ws/pricing"
  rest_base_url: "https://pricing.example.com"
  debounce_window_ms: 100
system:
  log_level: DEBUG
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://pricing.example.com/ws/pricing", cfg.Pricing.WebsocketURL)
	assert.Equal(t, 100*time.Millisecond, cfg.DebounceWindow())
	assert.Equal(t, "DEBUG", cfg.System.LogLevel)
	// Unset fields keep their defaults.
	assert.Equal(t, 1500, cfg.Pricing.ReconnectDelayMS)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadConfig_ExpandsEnvVars(t *testing.T) {
	os.Setenv("TEST_PRICING_HOST", "pricing.internal")
	defer os.Unsetenv("TEST_PRICING_HOST")

	path := writeTempConfig(t, `
pricing:
  websocket_url: "ws://${TEST_PRICING_HOST}/ws/pricing"
  rest_base_url: "http://${TEST_PRICING_HOST}"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://pricing.internal/ws/pricing", cfg.Pricing.WebsocketURL)
	assert.Equal(t, "http://pricing.internal", cfg.Pricing.RestBaseURL)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "websocket url scheme",
			mutate: func(c *Config) { c.Pricing.WebsocketURL = "http://not-a-ws-url" },
			field:  "pricing.websocket_url",
		},
		{
			name:   "missing rest base url",
			mutate: func(c *Config) { c.Pricing.RestBaseURL = "" },
			field:  "pricing.rest_base_url",
		},
		{
			name:   "debounce window out of range",
			mutate: func(c *Config) { c.Pricing.DebounceWindowMS = 60000 },
			field:  "pricing.debounce_window_ms",
		},
		{
			name:   "unknown snapshot backend",
			mutate: func(c *Config) { c.Snapshot.Backend = "redis" },
			field:  "snapshot.backend",
		},
		{
			name:   "sqlite backend without path",
			mutate: func(c *Config) { c.Snapshot.Backend = "sqlite"; c.Snapshot.Path = "" },
			field:  "snapshot.path",
		},
		{
			name:   "zero retry attempts",
			mutate: func(c *Config) { c.Retry.MaxAttempts = 0 },
			field:  "retry.max_attempts",
		},
		{
			name:   "negative jitter",
			mutate: func(c *Config) { c.Retry.MaxJitterMS = -1 },
			field:  "retry.max_jitter_ms",
		},
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.System.LogLevel = "LOUD" },
			field:  "system.log_level",
		},
		{
			name:   "metrics enabled with bad port",
			mutate: func(c *Config) { c.Telemetry.EnableMetrics = true; c.Telemetry.MetricsPort = 0 },
			field:  "telemetry.metrics_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.EnableMetrics = false
	cfg.Telemetry.MetricsPort = 0
	assert.NoError(t, cfg.Validate())
}
