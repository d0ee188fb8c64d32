package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8090, cfg.Server.Port)

	// Test database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Test alert defaults
	assert.Empty(t, cfg.Alert.WebhookURL)
	assert.Equal(t, 5, cfg.Alert.TimeoutSeconds)
	assert.Equal(t, 4, cfg.Alert.MaxConcurrent)

	// Test detection defaults
	assert.Equal(t, "isolation_forest", cfg.Detection.Variant)
	assert.Equal(t, 0.1, cfg.Detection.Contamination)
	assert.Equal(t, int64(42), cfg.Detection.Seed)

	// Test forecast and budget defaults
	assert.Equal(t, "vps", cfg.Forecast.Provider)
	assert.Equal(t, 30, cfg.Forecast.HorizonDays)
	assert.Len(t, cfg.Budget.Departments, 4)

	// Test retrain defaults
	assert.True(t, cfg.Retrain.Enabled)
	assert.Equal(t, 3600, cfg.Retrain.IntervalSeconds)
	assert.Equal(t, 60, cfg.Retrain.RetryDelaySeconds)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid database type",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "mysql"
			},
			wantError: true,
			errorMsg:  "invalid database type",
		},
		{
			name: "missing postgres url",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "postgres"
			},
			wantError: true,
			errorMsg:  "postgres_url is required",
		},
		{
			name: "relative webhook url",
			modifyFn: func(cfg *Config) {
				cfg.Alert.WebhookURL = "/hooks/cost"
			},
			wantError: true,
			errorMsg:  "webhook_url must be an absolute http(s) URL",
		},
		{
			name: "https webhook url",
			modifyFn: func(cfg *Config) {
				cfg.Alert.WebhookURL = "https://hooks.example.com/cost"
			},
			wantError: false,
		},
		{
			name: "unknown variant",
			modifyFn: func(cfg *Config) {
				cfg.Detection.Variant = "autoencoder"
			},
			wantError: true,
			errorMsg:  "invalid variant",
		},
		{
			name: "contamination at upper bound",
			modifyFn: func(cfg *Config) {
				cfg.Detection.Contamination = 0.5
			},
			wantError: true,
			errorMsg:  "contamination must be in (0, 0.5)",
		},
		{
			name: "window too long",
			modifyFn: func(cfg *Config) {
				cfg.Detection.WindowHours = 169
			},
			wantError: true,
			errorMsg:  "window_hours must be between 1 and 168",
		},
		{
			name: "horizon too long",
			modifyFn: func(cfg *Config) {
				cfg.Forecast.HorizonDays = 366
			},
			wantError: true,
			errorMsg:  "horizon_days must be between 1 and 365",
		},
		{
			name: "duplicate department",
			modifyFn: func(cfg *Config) {
				cfg.Budget.Departments = append(cfg.Budget.Departments, models.Department{Name: "Dev", Weight: 0.1})
			},
			wantError: true,
			errorMsg:  "duplicate department 'Dev'",
		},
		{
			name: "negative department weight",
			modifyFn: func(cfg *Config) {
				cfg.Budget.Departments[0].Weight = -1
			},
			wantError: true,
			errorMsg:  "weight cannot be negative",
		},
		{
			name: "retrain interval ignored when disabled",
			modifyFn: func(cfg *Config) {
				cfg.Retrain.Enabled = false
				cfg.Retrain.IntervalSeconds = 0
			},
			wantError: false,
		},
		{
			name: "z score out of range",
			modifyFn: func(cfg *Config) {
				cfg.Evaluation.ZScore = 5
			},
			wantError: true,
			errorMsg:  "z_score must be in (0.5, 5)",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "text"
			},
			wantError: true,
			errorMsg:  "invalid log format",
		},
		{
			name: "negative budget",
			modifyFn: func(cfg *Config) {
				cfg.Budget.MonthlyBudget = -100.0
			},
			wantError: true,
			errorMsg:  "monthly_budget cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if tt.wantError {
				assert.NotEmpty(t, errs, "expected validation errors but got none")
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	// Create temp directory for config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

database:
  type: "postgres"
  postgres_url: "postgres://cost:cost@db:5432/cost?sslmode=disable"

detection:
  variant: "reconstruction"
  contamination: 0.05

budget:
  monthly_budget: 1200
  departments:
    - name: "Platform"
      weight: 0.7
    - name: "Data"
      weight: 0.3

logging:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "reconstruction", cfg.Detection.Variant)
	assert.Equal(t, 0.05, cfg.Detection.Contamination)
	assert.Equal(t, 1200.0, cfg.Budget.MonthlyBudget)
	assert.Equal(t, []models.Department{{Name: "Platform", Weight: 0.7}, {Name: "Data", Weight: 0.3}}, cfg.Budget.Departments)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys keep their defaults
	assert.Equal(t, 24, cfg.Detection.WindowHours)
	assert.Equal(t, "vps", cfg.Forecast.Provider)

	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("COSTINTEL_SERVER_PORT", "7070")
	t.Setenv("COSTINTEL_DETECTION_WINDOW_HOURS", "48")
	t.Setenv("ALERT_WEBHOOK_URL", "http://hooks.local/alerts")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 48, cfg.Detection.WindowHours)
	assert.Equal(t, "http://hooks.local/alerts", cfg.Alert.WebhookURL)
}

func TestConfigManagerPrefixedWebhookWins(t *testing.T) {
	t.Setenv("COSTINTEL_ALERT_WEBHOOK_URL", "http://primary.local/hook")
	t.Setenv("ALERT_WEBHOOK_URL", "http://fallback.local/hook")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))

	assert.Equal(t, "http://primary.local/hook", mgr.Get(context.Background()).Alert.WebhookURL)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager("/nonexistent/costintel.yaml")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	// Should use defaults
	cfg := mgr.Get(ctx)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Len(t, cfg.Budget.Departments, 4)
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Invalid config (bad port, bad contamination)
	configContent := `
server:
  port: 99999
detection:
  contamination: 0.9
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "detection.contamination")
}

func TestConfigManagerReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("forecast:\n  horizon_days: 14\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 14, mgr.Get(ctx).Forecast.HorizonDays)

	require.NoError(t, os.WriteFile(configPath, []byte("forecast:\n  horizon_days: 21\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 21, mgr.Get(ctx).Forecast.HorizonDays)
}

func TestConfigManagerWatch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	updates := mgr.Watch(ctx)
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644))

	select {
	case cfg := <-updates:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", mgr.Get(ctx).Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no update after the config file changed")
	}
}
