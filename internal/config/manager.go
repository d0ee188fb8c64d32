package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "COSTINTEL"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.readConfigFile(); err != nil {
		return err
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readConfigFile reads the YAML file. A missing file is not an error.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	// Start watching config file
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		// Send updated config to channel
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)

	// Alert defaults
	m.viper.SetDefault("alert.webhook_url", defaults.Alert.WebhookURL)
	m.viper.SetDefault("alert.timeout_seconds", defaults.Alert.TimeoutSeconds)
	m.viper.SetDefault("alert.max_concurrent", defaults.Alert.MaxConcurrent)

	// Detection defaults
	m.viper.SetDefault("detection.variant", defaults.Detection.Variant)
	m.viper.SetDefault("detection.contamination", defaults.Detection.Contamination)
	m.viper.SetDefault("detection.window_hours", defaults.Detection.WindowHours)
	m.viper.SetDefault("detection.seasonal_window_days", defaults.Detection.SeasonalWindowDays)
	m.viper.SetDefault("detection.seed", defaults.Detection.Seed)

	// Forecast defaults
	m.viper.SetDefault("forecast.provider", defaults.Forecast.Provider)
	m.viper.SetDefault("forecast.horizon_days", defaults.Forecast.HorizonDays)

	// Budget defaults
	m.viper.SetDefault("budget.monthly_budget", defaults.Budget.MonthlyBudget)
	m.viper.SetDefault("budget.departments", defaults.Budget.Departments)

	// Telemetry defaults
	m.viper.SetDefault("telemetry.write_window_seconds", defaults.Telemetry.WriteWindowSeconds)

	// Retrain defaults
	m.viper.SetDefault("retrain.enabled", defaults.Retrain.Enabled)
	m.viper.SetDefault("retrain.interval_seconds", defaults.Retrain.IntervalSeconds)
	m.viper.SetDefault("retrain.retry_delay_seconds", defaults.Retrain.RetryDelaySeconds)
	m.viper.SetDefault("retrain.window_hours", defaults.Retrain.WindowHours)

	// Evaluation defaults
	m.viper.SetDefault("evaluation.z_score", defaults.Evaluation.ZScore)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.ShutdownTimeoutSeconds = m.viper.GetInt("server.shutdown_timeout_seconds")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	// Alert
	cfg.Alert.WebhookURL = m.viper.GetString("alert.webhook_url")
	cfg.Alert.TimeoutSeconds = m.viper.GetInt("alert.timeout_seconds")
	cfg.Alert.MaxConcurrent = m.viper.GetInt("alert.max_concurrent")

	// Detection
	cfg.Detection.Variant = m.viper.GetString("detection.variant")
	cfg.Detection.Contamination = m.viper.GetFloat64("detection.contamination")
	cfg.Detection.WindowHours = m.viper.GetInt("detection.window_hours")
	cfg.Detection.SeasonalWindowDays = m.viper.GetInt("detection.seasonal_window_days")
	cfg.Detection.Seed = m.viper.GetInt64("detection.seed")

	// Forecast
	cfg.Forecast.Provider = m.viper.GetString("forecast.provider")
	cfg.Forecast.HorizonDays = m.viper.GetInt("forecast.horizon_days")

	// Budget
	cfg.Budget.MonthlyBudget = m.viper.GetFloat64("budget.monthly_budget")
	if err := m.viper.UnmarshalKey("budget.departments", &cfg.Budget.Departments); err != nil {
		return fmt.Errorf("budget.departments: %w", err)
	}

	// Telemetry
	cfg.Telemetry.WriteWindowSeconds = m.viper.GetInt("telemetry.write_window_seconds")

	// Retrain
	cfg.Retrain.Enabled = m.viper.GetBool("retrain.enabled")
	cfg.Retrain.IntervalSeconds = m.viper.GetInt("retrain.interval_seconds")
	cfg.Retrain.RetryDelaySeconds = m.viper.GetInt("retrain.retry_delay_seconds")
	cfg.Retrain.WindowHours = m.viper.GetInt("retrain.window_hours")

	// Evaluation
	cfg.Evaluation.ZScore = m.viper.GetFloat64("evaluation.z_score")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies variables that live outside the COSTINTEL_ prefix.
func applyEnvOverrides(cfg *Config) {
	// Webhook URL shared with other tooling
	if cfg.Alert.WebhookURL == "" {
		cfg.Alert.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	}
}
