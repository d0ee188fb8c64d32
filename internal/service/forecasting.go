package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/alert"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/budget"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
	"github.com/kubilitics/kubilitics-costintel/internal/telemetry"
)

// MessageNoForecast is reported by budget operations when no forecast could
// be produced.
const MessageNoForecast = "No forecast available; projected spend treated as zero."

// ForecastRequest parameterises ForecastCost.
type ForecastRequest struct {
	HorizonDays int
	Provider    string
	Workload    bool
}

// ForecastMetrics are the backtest errors of the forecast behind a projection.
type ForecastMetrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	MAPE float64 `json:"mape"`
}

// BudgetReport is a budget comparison with the forecast it is based on.
type BudgetReport struct {
	budget.Comparison
	HorizonDays int             `json:"horizon_days"`
	Provider    string          `json:"provider"`
	Metrics     ForecastMetrics `json:"metrics"`
	Message     string          `json:"message,omitempty"`
}

// AllocationReport is a budget comparison split across departments.
type AllocationReport struct {
	Summary     BudgetReport              `json:"summary"`
	Allocations []models.BudgetAllocation `json:"allocations"`
}

// Scenario is the outcome of one candidate budget.
type Scenario struct {
	Budget         float64         `json:"budget"`
	ProjectedTotal float64         `json:"projected_total"`
	Delta          float64         `json:"delta"`
	Status         string          `json:"status"`
	Metrics        ForecastMetrics `json:"metrics"`
}

// DepartmentForecast is the provider forecast scaled by a department weight.
type DepartmentForecast struct {
	forecast.Result
	Department string  `json:"department"`
	Weight     float64 `json:"weight"`
}

// ForecastCost backtests and forecasts the provider's daily cost.
func (s *Service) ForecastCost(ctx context.Context, req ForecastRequest) (forecast.Result, error) {
	if err := validateHorizon(req.HorizonDays); err != nil {
		return forecast.Result{}, err
	}
	provider := s.provider(req.Provider)

	series, err := telemetry.LoadDailyCost(ctx, s.store, provider, time.Time{})
	if err != nil {
		return forecast.Result{}, err
	}
	return s.forecaster.Forecast(ctx, series, forecast.Request{
		Horizon:  req.HorizonDays,
		Provider: provider,
		Scope:    forecast.ScopeTotalDailyCost,
		Workload: req.Workload,
	})
}

// CompareToBudget sums the forecast over the horizon and checks it against
// budget. Without a forecast the projection is zero.
func (s *Service) CompareToBudget(ctx context.Context, amount float64, horizonDays int, provider string) (BudgetReport, error) {
	if err := validateBudget(amount); err != nil {
		return BudgetReport{}, err
	}
	if err := validateHorizon(horizonDays); err != nil {
		return BudgetReport{}, err
	}
	fc, err := s.ForecastCost(ctx, ForecastRequest{HorizonDays: horizonDays, Provider: provider})
	if err != nil {
		return BudgetReport{}, err
	}
	return reportFor(fc, amount, horizonDays, s.provider(provider)), nil
}

func reportFor(fc forecast.Result, amount float64, horizonDays int, provider string) BudgetReport {
	rep := BudgetReport{
		Comparison:  budget.Compare(projectedTotal(fc), amount),
		HorizonDays: horizonDays,
		Provider:    provider,
		Metrics:     ForecastMetrics{MAE: fc.MAE, RMSE: fc.RMSE, MAPE: fc.MAPE},
	}
	if len(fc.Forecast) == 0 {
		rep.Message = MessageNoForecast
	}
	return rep
}

func projectedTotal(fc forecast.Result) float64 {
	total := 0.0
	for _, p := range fc.Forecast {
		total += p.Value
	}
	return total
}

// AllocateBudget compares the budget with the forecast and splits both across
// the configured departments. Departments that are not on track raise a budget
// alert.
func (s *Service) AllocateBudget(ctx context.Context, amount float64, horizonDays int) (AllocationReport, error) {
	summary, err := s.CompareToBudget(ctx, amount, horizonDays, "")
	if err != nil {
		return AllocationReport{}, err
	}

	allocations := budget.Allocate(summary.ProjectedTotal, amount, budget.Departments(s.cfg.Budget.Departments))
	for _, a := range allocations {
		if a.Status == models.BudgetOnTrack {
			continue
		}
		_, err := s.dispatcher.Dispatch(ctx, budgetAlert(a))
		if err != nil {
			s.logger.Error("Failed to record budget alert",
				zap.String("department", a.Department),
				zap.Error(err),
			)
		}
	}

	return AllocationReport{Summary: summary, Allocations: allocations}, nil
}

func budgetAlert(a models.BudgetAllocation) alert.Alert {
	return alert.Alert{
		Kind:     models.AlertKindBudget,
		EntityID: a.Department,
		Provider: ProviderVPS,
		Metric:   models.MetricDailyCost,
		Severity: a.Status,
		Message:  "Budget status " + a.Status,
		Payload: map[string]interface{}{
			"department": a.Department,
			"budget":     a.Budget,
			"projected":  a.Projected,
			"delta":      a.Delta,
			"status":     a.Status,
		},
	}
}

// RunScenarios compares one forecast against several candidate budgets.
func (s *Service) RunScenarios(ctx context.Context, budgets []float64, horizonDays int) ([]Scenario, error) {
	if len(budgets) == 0 {
		return nil, invalid("at least one budget is required")
	}
	for _, b := range budgets {
		if err := validateBudget(b); err != nil {
			return nil, err
		}
	}
	fc, err := s.ForecastCost(ctx, ForecastRequest{HorizonDays: horizonDays})
	if err != nil {
		return nil, err
	}

	out := make([]Scenario, len(budgets))
	for i, b := range budgets {
		rep := reportFor(fc, b, horizonDays, s.provider(""))
		out[i] = Scenario{
			Budget:         b,
			ProjectedTotal: rep.ProjectedTotal,
			Delta:          rep.Delta,
			Status:         rep.Status,
			Metrics:        rep.Metrics,
		}
	}
	return out, nil
}

// DepartmentForecast scales the provider forecast by the department's weight.
// Unknown departments get DefaultDepartmentWeight. History is not scaled.
func (s *Service) DepartmentForecast(ctx context.Context, department string, horizonDays int) (DepartmentForecast, error) {
	if department == "" {
		return DepartmentForecast{}, invalid("department is required")
	}
	fc, err := s.ForecastCost(ctx, ForecastRequest{HorizonDays: horizonDays})
	if err != nil {
		return DepartmentForecast{}, err
	}

	weight := s.departmentWeight(department)
	out := DepartmentForecast{Result: fc, Department: department, Weight: weight}
	if len(fc.Forecast) == 0 {
		return out, nil
	}

	scaled := make([]models.SeriesPoint, len(fc.Forecast))
	for i, p := range fc.Forecast {
		q := models.SeriesPoint{Timestamp: p.Timestamp, Value: p.Value * weight}
		if p.Lower != nil {
			v := *p.Lower * weight
			q.Lower = &v
		}
		if p.Upper != nil {
			v := *p.Upper * weight
			q.Upper = &v
		}
		scaled[i] = q
	}
	out.Forecast = scaled
	return out, nil
}

func (s *Service) departmentWeight(name string) float64 {
	for _, d := range s.cfg.Budget.Departments {
		if d.Name == name {
			return d.Weight
		}
	}
	return DefaultDepartmentWeight
}

// ListForecastRuns returns persisted forecast runs, newest first.
func (s *Service) ListForecastRuns(ctx context.Context, provider string, limit int) ([]models.ForecastRun, error) {
	runs, err := s.store.ListForecastRuns(ctx, s.provider(provider), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list forecast runs: %w", err)
	}
	return runs, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 500:
		return 500
	default:
		return limit
	}
}
