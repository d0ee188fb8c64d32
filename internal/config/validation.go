package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate database configuration
	validDatabaseTypes := map[string]bool{
		"sqlite":   true,
		"postgres": true,
	}
	if !validDatabaseTypes[c.Database.Type] {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
		})
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
	}

	// Validate alert configuration
	if c.Alert.WebhookURL != "" {
		if u, err := url.Parse(c.Alert.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "alert.webhook_url",
				Message: fmt.Sprintf("webhook_url must be an absolute http(s) URL, got '%s'", c.Alert.WebhookURL),
			})
		}
	}
	if c.Alert.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alert.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Alert.TimeoutSeconds),
		})
	}
	if c.Alert.MaxConcurrent < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alert.max_concurrent",
			Message: fmt.Sprintf("max_concurrent must be at least 1, got %d", c.Alert.MaxConcurrent),
		})
	}

	// Validate detection configuration
	validVariants := map[string]bool{
		"isolation_forest": true,
		"reconstruction":   true,
	}
	if !validVariants[c.Detection.Variant] {
		errs = append(errs, &ValidationError{
			Field:   "detection.variant",
			Message: fmt.Sprintf("invalid variant '%s', must be one of: isolation_forest, reconstruction", c.Detection.Variant),
		})
	}
	if c.Detection.Contamination <= 0 || c.Detection.Contamination >= 0.5 {
		errs = append(errs, &ValidationError{
			Field:   "detection.contamination",
			Message: fmt.Sprintf("contamination must be in (0, 0.5), got %v", c.Detection.Contamination),
		})
	}
	if c.Detection.WindowHours < 1 || c.Detection.WindowHours > 168 {
		errs = append(errs, &ValidationError{
			Field:   "detection.window_hours",
			Message: fmt.Sprintf("window_hours must be between 1 and 168, got %d", c.Detection.WindowHours),
		})
	}
	if c.Detection.SeasonalWindowDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.seasonal_window_days",
			Message: fmt.Sprintf("seasonal_window_days must be at least 1, got %d", c.Detection.SeasonalWindowDays),
		})
	}

	// Validate forecast configuration
	if c.Forecast.Provider == "" {
		errs = append(errs, &ValidationError{
			Field:   "forecast.provider",
			Message: "provider is required",
		})
	}
	if c.Forecast.HorizonDays < 1 || c.Forecast.HorizonDays > 365 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.horizon_days",
			Message: fmt.Sprintf("horizon_days must be between 1 and 365, got %d", c.Forecast.HorizonDays),
		})
	}

	// Validate budget configuration
	if c.Budget.MonthlyBudget < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.monthly_budget",
			Message: fmt.Sprintf("monthly_budget cannot be negative, got %.2f", c.Budget.MonthlyBudget),
		})
	}
	seen := make(map[string]bool)
	for i, d := range c.Budget.Departments {
		field := fmt.Sprintf("budget.departments[%d]", i)
		if d.Name == "" {
			errs = append(errs, &ValidationError{Field: field, Message: "department name is required"})
		} else if seen[d.Name] {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("duplicate department '%s'", d.Name)})
		}
		seen[d.Name] = true
		if d.Weight < 0 {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("weight cannot be negative, got %v", d.Weight),
			})
		}
	}

	// Validate telemetry configuration
	if c.Telemetry.WriteWindowSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "telemetry.write_window_seconds",
			Message: fmt.Sprintf("write_window_seconds must be at least 1, got %d", c.Telemetry.WriteWindowSeconds),
		})
	}

	// Validate retrain configuration
	if c.Retrain.Enabled {
		if c.Retrain.IntervalSeconds < 1 {
			errs = append(errs, &ValidationError{
				Field:   "retrain.interval_seconds",
				Message: fmt.Sprintf("interval_seconds must be at least 1, got %d", c.Retrain.IntervalSeconds),
			})
		}
		if c.Retrain.RetryDelaySeconds < 1 {
			errs = append(errs, &ValidationError{
				Field:   "retrain.retry_delay_seconds",
				Message: fmt.Sprintf("retry_delay_seconds must be at least 1, got %d", c.Retrain.RetryDelaySeconds),
			})
		}
		if c.Retrain.WindowHours < 1 || c.Retrain.WindowHours > 168 {
			errs = append(errs, &ValidationError{
				Field:   "retrain.window_hours",
				Message: fmt.Sprintf("window_hours must be between 1 and 168, got %d", c.Retrain.WindowHours),
			})
		}
	}

	// Validate evaluation configuration
	if c.Evaluation.ZScore <= 0.5 || c.Evaluation.ZScore >= 5 {
		errs = append(errs, &ValidationError{
			Field:   "evaluation.z_score",
			Message: fmt.Sprintf("z_score must be in (0.5, 5), got %v", c.Evaluation.ZScore),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	return errs
}
