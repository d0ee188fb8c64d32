package main

// Package main is the entry point of the cost intelligence server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and COSTINTEL_* environment variables
//   - Build the zap logger (stdout plus optional rotated file)
//   - Open the SQLite or PostgreSQL store and apply migrations
//   - Start the retraining scheduler when enabled
//   - Watch the config file and apply log level changes without a restart
//   - Serve /healthz, /readyz, /info and /metrics
//   - Shut down gracefully on SIGINT/SIGTERM
//
// Startup order:
//   config -> logger -> store -> service -> scheduler -> HTTP listener

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/config"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/logging"
	"github.com/kubilitics/kubilitics-costintel/internal/scheduler"
	"github.com/kubilitics/kubilitics-costintel/internal/server"
	"github.com/kubilitics/kubilitics-costintel/internal/service"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "costintel-server",
		Short:         "Cost intelligence engine: anomaly detection, forecasting, budgets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to the YAML config file (optional)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "costintel-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	level := zap.NewAtomicLevel()
	logCfg := logging.FromConfig(cfg)
	logCfg.AtomicLevel = &level
	logger, closeLogger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = closeLogger() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := service.New(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := os.Stat(configPath); err == nil {
		go watchConfig(runCtx, mgr.Watch(runCtx), *cfg, level, logger)
	}

	var sched *scheduler.Scheduler
	schedDone := make(chan struct{})
	if cfg.Retrain.Enabled {
		sched = scheduler.New(svc.Retrain, scheduler.Config{
			Interval:   time.Duration(cfg.Retrain.IntervalSeconds) * time.Second,
			RetryDelay: time.Duration(cfg.Retrain.RetryDelaySeconds) * time.Second,
		}, logger)
		go func() {
			defer close(schedDone)
			sched.Run(runCtx)
		}()
	} else {
		close(schedDone)
	}

	var stats server.StatsProvider
	if sched != nil {
		stats = sched
	}
	srv, err := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
	}, svc, stats, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Cost intelligence server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Type),
		zap.String("variant", cfg.Detection.Variant),
		zap.Bool("retrain", cfg.Retrain.Enabled),
		zap.Bool("webhook", cfg.Alert.WebhookURL != ""),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := srv.Stop(); err != nil {
		logger.Error("Error stopping server", zap.Error(err))
	}
	cancel()
	<-schedDone
	svc.Wait()

	logger.Info("Shutdown complete")
	return nil
}

func openStore(cfg *config.Config) (db.Store, error) {
	dsn := cfg.Database.SQLitePath
	if cfg.Database.Type == db.DriverPostgres {
		dsn = cfg.Database.PostgresURL
	}
	store, err := db.Open(cfg.Database.Type, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	return store, nil
}
