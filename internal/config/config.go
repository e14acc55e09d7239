// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Pricing   PricingConfig   `yaml:"pricing"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Retry     RetryConfig     `yaml:"retry"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PricingConfig contains the realtime pricing channel settings
type PricingConfig struct {
	WebsocketURL       string `yaml:"websocket_url"`        // e.g. ws://localhost:3000/ws/pricing
	RestBaseURL        string `yaml:"rest_base_url"`        // e.g. http://localhost:3000
	DebounceWindowMS   int    `yaml:"debounce_window_ms"`   // per-item recalc coalescing window
	ReconnectDelayMS   int    `yaml:"reconnect_delay_ms"`   // fixed delay between reconnect attempts
	AutoReconcile      bool   `yaml:"auto_reconcile"`       // reconcile on drift when no callback is set
	PingIntervalSec    int    `yaml:"ping_interval_sec"`    // websocket heartbeat interval, 0 keeps the client default
	ApplyQueueCapacity int    `yaml:"apply_queue_capacity"` // inbound event queue bound
}

// SnapshotConfig contains session snapshot cache settings
type SnapshotConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite file path, required for sqlite backend
}

// RetryConfig contains the reconciliation retry policy
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxJitterMS      int `yaml:"max_jitter_ms"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validatePricingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSnapshotConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRetryConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTelemetryConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validatePricingConfig() error {
	if c.Pricing.WebsocketURL == "" {
		return ValidationError{
			Field:   "pricing.websocket_url",
			Message: "websocket URL is required",
		}
	}
	if !strings.HasPrefix(c.Pricing.WebsocketURL, "ws://") && !strings.HasPrefix(c.Pricing.WebsocketURL, "wss://") {
		return ValidationError{
			Field:   "pricing.websocket_url",
			Value:   c.Pricing.WebsocketURL,
			Message: "must start with ws:// or wss://",
		}
	}
	if c.Pricing.RestBaseURL == "" {
		return ValidationError{
			Field:   "pricing.rest_base_url",
			Message: "REST base URL is required",
		}
	}
	if !strings.HasPrefix(c.Pricing.RestBaseURL, "http://") && !strings.HasPrefix(c.Pricing.RestBaseURL, "https://") {
		return ValidationError{
			Field:   "pricing.rest_base_url",
			Value:   c.Pricing.RestBaseURL,
			Message: "must start with http:// or https://",
		}
	}
	if c.Pricing.DebounceWindowMS < 0 || c.Pricing.DebounceWindowMS > 10000 {
		return ValidationError{
			Field:   "pricing.debounce_window_ms",
			Value:   c.Pricing.DebounceWindowMS,
			Message: "must be between 0 and 10000",
		}
	}
	if c.Pricing.ReconnectDelayMS < 0 || c.Pricing.ReconnectDelayMS > 300000 {
		return ValidationError{
			Field:   "pricing.reconnect_delay_ms",
			Value:   c.Pricing.ReconnectDelayMS,
			Message: "must be between 0 and 300000",
		}
	}
	if c.Pricing.ApplyQueueCapacity < 0 || c.Pricing.ApplyQueueCapacity > 100000 {
		return ValidationError{
			Field:   "pricing.apply_queue_capacity",
			Value:   c.Pricing.ApplyQueueCapacity,
			Message: "must be between 0 and 100000",
		}
	}
	return nil
}

func (c *Config) validateSnapshotConfig() error {
	validBackends := []string{"memory", "sqlite"}
	if !contains(validBackends, c.Snapshot.Backend) {
		return ValidationError{
			Field:   "snapshot.backend",
			Value:   c.Snapshot.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validBackends, ", ")),
		}
	}
	if c.Snapshot.Backend == "sqlite" && c.Snapshot.Path == "" {
		return ValidationError{
			Field:   "snapshot.path",
			Message: "path is required for the sqlite backend",
		}
	}
	return nil
}

func (c *Config) validateRetryConfig() error {
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: "must be between 1 and 10",
		}
	}
	if c.Retry.InitialBackoffMS < 1 || c.Retry.InitialBackoffMS > 60000 {
		return ValidationError{
			Field:   "retry.initial_backoff_ms",
			Value:   c.Retry.InitialBackoffMS,
			Message: "must be between 1 and 60000",
		}
	}
	if c.Retry.MaxJitterMS < 0 || c.Retry.MaxJitterMS > 10000 {
		return ValidationError{
			Field:   "retry.max_jitter_ms",
			Value:   c.Retry.MaxJitterMS,
			Message: "must be between 0 and 10000",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535) {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   c.Telemetry.MetricsPort,
			Message: "must be a valid TCP port when metrics are enabled",
		}
	}
	return nil
}

// DebounceWindow returns the debounce window as a duration
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Pricing.DebounceWindowMS) * time.Millisecond
}

// ReconnectDelay returns the reconnect delay as a duration
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Pricing.ReconnectDelayMS) * time.Millisecond
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays the
// YAML file on top of it.
func DefaultConfig() *Config {
	return &Config{
		Pricing: PricingConfig{
			WebsocketURL:       "ws://localhost:3000/ws/pricing",
			RestBaseURL:        "http://localhost:3000",
			DebounceWindowMS:   250,
			ReconnectDelayMS:   1500,
			AutoReconcile:      true,
			PingIntervalSec:    30,
			ApplyQueueCapacity: 1024,
		},
		Snapshot: SnapshotConfig{
			Backend: "memory",
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMS: 200,
			MaxJitterMS:      100,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9464,
			EnableMetrics: false,
		},
	}
}
