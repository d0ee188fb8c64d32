package config

import "github.com/kubilitics/kubilitics-costintel/internal/models"

// DefaultConfigPath is read when no path is given.
const DefaultConfigPath = "/etc/kubilitics/costintel.yaml"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.ShutdownTimeoutSeconds = 10

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/costintel.db"
	cfg.Database.PostgresURL = ""

	// Alert defaults
	cfg.Alert.WebhookURL = ""
	cfg.Alert.TimeoutSeconds = 5
	cfg.Alert.MaxConcurrent = 4

	// Detection defaults
	cfg.Detection.Variant = "isolation_forest"
	cfg.Detection.Contamination = 0.1
	cfg.Detection.WindowHours = 24
	cfg.Detection.SeasonalWindowDays = 60
	cfg.Detection.Seed = 42

	// Forecast defaults
	cfg.Forecast.Provider = "vps"
	cfg.Forecast.HorizonDays = 30

	// Budget defaults
	cfg.Budget.MonthlyBudget = 0.0 // 0 means callers must pass one
	cfg.Budget.Departments = models.DefaultDepartments()

	// Telemetry defaults
	cfg.Telemetry.WriteWindowSeconds = 60

	// Retrain defaults
	cfg.Retrain.Enabled = true
	cfg.Retrain.IntervalSeconds = 3600
	cfg.Retrain.RetryDelaySeconds = 60
	cfg.Retrain.WindowHours = 24

	// Evaluation defaults
	cfg.Evaluation.ZScore = 2.0

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	return cfg
}
