package config

import (
	"context"

	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// Package config provides configuration management for kubilitics-costintel.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (COSTINTEL_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/costintel.yaml, optional)
//   3. Built-in defaults (lowest priority)
//
// ALERT_WEBHOOK_URL is honoured when COSTINTEL_ALERT_WEBHOOK_URL is unset.
//
// Main Configuration Sections:
//
//   1. Server      - port, shutdown timeout
//   2. Database    - type (sqlite | postgres), sqlite_path, postgres_url
//   3. Alert       - webhook_url, timeout_seconds, max_concurrent
//   4. Detection   - variant, contamination, window_hours, seed
//   5. Forecast    - provider, horizon_days
//   6. Budget      - monthly_budget, departments
//   7. Telemetry   - write_window_seconds
//   8. Retrain     - enabled, interval_seconds, retry_delay_seconds
//   9. Evaluation  - z_score
//  10. Logging     - level, format, file rotation
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port                   int
		ShutdownTimeoutSeconds int
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	// Alert delivery configuration
	Alert struct {
		WebhookURL     string // empty disables delivery, alerts are still recorded
		TimeoutSeconds int
		MaxConcurrent  int
	}

	// Detection configuration
	Detection struct {
		Variant            string // isolation_forest | reconstruction
		Contamination      float64
		WindowHours        int
		SeasonalWindowDays int
		Seed               int64
	}

	// Forecast configuration
	Forecast struct {
		Provider    string
		HorizonDays int
	}

	// Budget configuration
	Budget struct {
		MonthlyBudget float64
		Departments   []models.Department
	}

	// Telemetry configuration
	Telemetry struct {
		WriteWindowSeconds int
	}

	// Retrain configuration
	Retrain struct {
		Enabled           bool
		IntervalSeconds   int
		RetryDelaySeconds int
		WindowHours       int
	}

	// Evaluation configuration
	Evaluation struct {
		ZScore float64
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string // empty logs to stdout only
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
