package main

// costctl invokes the cost intelligence operations once against the
// configured store and prints the result as JSON.
//
// Commands:
//   costctl detect        anomaly detection over a recent window
//   costctl score         score the window with the current trained model
//   costctl forecast      backtested daily cost forecast
//   costctl budget ...    compare, allocate, scenarios, department
//   costctl evaluate      detector vs z-score drift evaluation
//   costctl utilization   per-resource CPU/memory utilization
//   costctl trends        daily cost per provider
//   costctl runs ...      forecast and evaluation history
//   costctl alerts        alert history
//   costctl record        persist telemetry samples from a JSON file
//   costctl retrain       run one retraining cycle

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/config"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/logging"
	"github.com/kubilitics/kubilitics-costintel/internal/service"
)

type app struct {
	configPath string
	dbPath     string
	verbose    bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg      *config.Config
	store    db.Store
	svc      *service.Service
	closeLog func() error
}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "costctl",
		Short:         "Run cost intelligence operations against the configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultConfigPath, "path to the YAML config file (optional)")
	cmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "override the SQLite database path")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(
		newDetectCmd(a),
		newScoreCmd(a),
		newForecastCmd(a),
		newBudgetCmd(a),
		newEvaluateCmd(a),
		newUtilizationCmd(a),
		newTrendsCmd(a),
		newRunsCmd(a),
		newAlertsCmd(a),
		newRecordCmd(a),
		newRetrainCmd(a),
	)
	return cmd
}

func (a *app) open(cmd *cobra.Command) error {
	ctx := cmd.Context()
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get(ctx)
	if a.dbPath != "" {
		cfg.Database.Type = db.DriverSQLite
		cfg.Database.SQLitePath = a.dbPath
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", errs[0])
	}
	a.cfg = cfg

	logger := zap.NewNop()
	a.closeLog = func() error { return nil }
	if a.verbose {
		logCfg := logging.FromConfig(cfg)
		logCfg.Format = "console"
		logger, a.closeLog, err = logging.NewWithWriter(logCfg, a.stderr)
		if err != nil {
			return err
		}
	}

	dsn := cfg.Database.SQLitePath
	if cfg.Database.Type == db.DriverPostgres {
		dsn = cfg.Database.PostgresURL
	}
	a.store, err = db.Open(cfg.Database.Type, dsn)
	if err != nil {
		return err
	}
	a.svc, err = service.New(cfg, a.store, logger)
	return err
}

func (a *app) close() error {
	if a.svc != nil {
		a.svc.Wait()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
