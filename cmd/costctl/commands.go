package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
	"github.com/kubilitics/kubilitics-costintel/internal/service"
)

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func newDetectCmd(a *app) *cobra.Command {
	var req service.DetectRequest
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect cost and utilization anomalies in a recent window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.WindowHours = orDefault(req.WindowHours, a.cfg.Detection.WindowHours)
			res, err := a.svc.DetectAnomalies(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().IntVar(&req.WindowHours, "window", 0, "lookback in hours (1-168, default from config)")
	cmd.Flags().Float64Var(&req.Contamination, "contamination", 0, "expected outlier share in (0, 0.5), default from config")
	cmd.Flags().StringVar(&req.Entity, "entity", "", "only report anomalies of this entity")
	cmd.Flags().BoolVar(&req.Seasonal, "seasonal", false, "score residuals against the weekday/hour baseline")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "telemetry provider (default vps)")
	return cmd
}

func newScoreCmd(a *app) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a recent window with the current trained model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.ScoreWithCurrentModel(cmd.Context(), orDefault(window, a.cfg.Detection.WindowHours))
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "lookback in hours (1-168, default from config)")
	return cmd
}

func newForecastCmd(a *app) *cobra.Command {
	var req service.ForecastRequest
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Backtest and forecast daily cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.HorizonDays = orDefault(req.HorizonDays, a.cfg.Forecast.HorizonDays)
			res, err := a.svc.ForecastCost(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().IntVar(&req.HorizonDays, "horizon", 0, "days to forecast (1-365, default from config)")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "cost provider (default from config)")
	cmd.Flags().BoolVar(&req.Workload, "workload", false, "add day-of-week regressors")
	return cmd
}

func newBudgetCmd(a *app) *cobra.Command {
	var (
		amount   float64
		amounts  []float64
		horizon  int
		provider string
	)
	budgetAmount := func() float64 {
		if amount == 0 {
			return a.cfg.Budget.MonthlyBudget
		}
		return amount
	}

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Compare forecasts with budgets",
	}
	cmd.PersistentFlags().IntVar(&horizon, "horizon", 0, "days to forecast (1-365, default from config)")

	compare := &cobra.Command{
		Use:   "compare",
		Short: "Compare projected spend with a budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.CompareToBudget(cmd.Context(), budgetAmount(), orDefault(horizon, a.cfg.Forecast.HorizonDays), provider)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	compare.Flags().Float64Var(&amount, "amount", 0, "budget for the horizon (default monthly budget from config)")
	compare.Flags().StringVar(&provider, "provider", "", "cost provider (default from config)")

	allocate := &cobra.Command{
		Use:   "allocate",
		Short: "Split budget and projection across departments and raise alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.AllocateBudget(cmd.Context(), budgetAmount(), orDefault(horizon, a.cfg.Forecast.HorizonDays))
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	allocate.Flags().Float64Var(&amount, "amount", 0, "budget for the horizon (default monthly budget from config)")

	scenarios := &cobra.Command{
		Use:   "scenarios",
		Short: "Compare one forecast with several candidate budgets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.RunScenarios(cmd.Context(), amounts, orDefault(horizon, a.cfg.Forecast.HorizonDays))
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	scenarios.Flags().Float64SliceVar(&amounts, "amounts", nil, "comma separated candidate budgets")

	department := &cobra.Command{
		Use:   "department NAME",
		Short: "Forecast scaled by a department's allocation weight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.DepartmentForecast(cmd.Context(), args[0], orDefault(horizon, a.cfg.Forecast.HorizonDays))
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}

	cmd.AddCommand(compare, allocate, scenarios, department)
	return cmd
}

func newEvaluateCmd(a *app) *cobra.Command {
	var (
		window int
		z      float64
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the detector against a z-score rule on daily cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if z == 0 {
				z = a.cfg.Evaluation.ZScore
			}
			res, err := a.svc.EvaluateDetector(cmd.Context(), orDefault(window, a.cfg.Detection.WindowHours), z)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "lookback in hours (1-168, default from config)")
	cmd.Flags().Float64Var(&z, "z", 0, "z-score threshold in (0.5, 5), default from config")
	return cmd
}

func newUtilizationCmd(a *app) *cobra.Command {
	var (
		window   int
		provider string
	)
	cmd := &cobra.Command{
		Use:   "utilization",
		Short: "Average CPU and memory utilization per resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.AnalyzeUtilization(cmd.Context(), orDefault(window, a.cfg.Detection.WindowHours), provider)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "lookback in hours (1-168, default from config)")
	cmd.Flags().StringVar(&provider, "provider", "", "telemetry provider (default vps)")
	return cmd
}

func newTrendsCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Daily cost per provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.CostTrends(cmd.Context(), days)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 60, "number of trailing days")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded forecast and evaluation runs",
	}
	cmd.PersistentFlags().IntVar(&limit, "limit", 20, "maximum number of runs")

	var provider string
	forecasts := &cobra.Command{
		Use:   "forecasts",
		Short: "List forecast runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := a.svc.ListForecastRuns(cmd.Context(), provider, limit)
			if err != nil {
				return err
			}
			return a.print(runs)
		},
	}
	forecasts.Flags().StringVar(&provider, "provider", "", "cost provider (default from config)")

	var model string
	evaluations := &cobra.Command{
		Use:   "evaluations",
		Short: "List evaluation runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := a.svc.ListEvaluationRuns(cmd.Context(), model, limit)
			if err != nil {
				return err
			}
			return a.print(runs)
		},
	}
	evaluations.Flags().StringVar(&model, "model", "", "model name (default iforest_vs_z)")

	cmd.AddCommand(forecasts, evaluations)
	return cmd
}

func newAlertsCmd(a *app) *cobra.Command {
	var (
		q     db.AlertQuery
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recorded alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			res, err := a.svc.ListAlerts(cmd.Context(), q)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().StringVar(&q.Kind, "kind", "", "anomaly or budget")
	cmd.Flags().StringVar(&q.EntityID, "entity", "", "entity or department")
	cmd.Flags().StringVar(&q.Severity, "severity", "", "severity or budget status")
	cmd.Flags().DurationVar(&since, "since", 0, "only alerts newer than this duration")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum number of alerts")
	return cmd
}

func newRecordCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Persist telemetry samples from a JSON array (rate limited per entity)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = a.stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var samples []models.UsageSample
			if err := json.NewDecoder(r).Decode(&samples); err != nil {
				return fmt.Errorf("decode samples: %w", err)
			}
			res, err := a.svc.RecordTelemetry(cmd.Context(), samples)
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file of samples, - for stdin")
	return cmd
}

func newRetrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retrain",
		Short: "Run one retraining cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.Retrain(cmd.Context()); err != nil {
				return err
			}
			return a.print(map[string]string{"status": "ok"})
		},
	}
}
