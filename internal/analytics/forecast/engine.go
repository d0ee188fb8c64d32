package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

const (
	// MinPoints is the shortest daily series the engine will forecast.
	MinPoints = 10
	// HoldoutDays is the number of trailing days used for the backtest.
	HoldoutDays = 7
	// HistoryPoints is how much of the input series is echoed back.
	HistoryPoints = 90

	// ScopeTotalDailyCost is the default scope of a forecast run.
	ScopeTotalDailyCost = "total_daily_cost"

	MessageInsufficientHistory = "Insufficient cost history for forecasting."
)

var errInvalidHorizon = errors.New("horizon must be positive")

// Request describes one forecast.
type Request struct {
	Horizon  int
	Provider string
	Scope    string
	// Workload adds day-of-week regressors.
	Workload bool
}

// Result is a backtested forecast. When Message is set the series was too
// short and every other field is empty.
type Result struct {
	RunID       uuid.UUID            `json:"run_id"`
	ModelType   string               `json:"model_type,omitempty"`
	MAE         float64              `json:"mae"`
	RMSE        float64              `json:"rmse"`
	MAPE        float64              `json:"mape"`
	InputPoints int                  `json:"input_points"`
	History     []models.SeriesPoint `json:"history"`
	Forecast    []models.SeriesPoint `json:"forecast"`
	Message     string               `json:"message,omitempty"`
}

// Engine fits ARIMA(1,1,1) to a daily cost series, backtests it against the
// last week and persists the run.
type Engine struct {
	store  db.ForecastRunStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A nil store skips persistence.
func NewEngine(store db.ForecastRunStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger.Named("forecast"), now: time.Now}
}

// Forecast runs the backtest and the forward forecast for series, which must
// hold one point per consecutive day in ascending order.
func (e *Engine) Forecast(ctx context.Context, series []models.SeriesPoint, req Request) (Result, error) {
	if req.Horizon <= 0 {
		return Result{}, errInvalidHorizon
	}
	if len(series) < MinPoints {
		return Result{
			History:  []models.SeriesPoint{},
			Forecast: []models.SeriesPoint{},
			Message:  MessageInsufficientHistory,
		}, nil
	}
	if req.Scope == "" {
		req.Scope = ScopeTotalDailyCost
	}
	modelType := models.ModelTypeARIMA
	if req.Workload {
		modelType = models.ModelTypeARIMAWorkload
	}

	n := len(series)
	values := make([]float64, n)
	dates := make([]time.Time, n)
	for i, p := range series {
		values[i] = p.Value
		dates[i] = p.Timestamp
	}
	var exog [][]float64
	if req.Workload {
		exog = weekdayDummies(dates)
	}

	train := n - HoldoutDays
	model := NewARIMA(1, 1, 1)
	if err := model.Fit(values[:train], sliceRows(exog, 0, train)); err != nil {
		metrics.ForecastRunsTotal.WithLabelValues(req.Provider, modelType, "error").Inc()
		return Result{}, fmt.Errorf("fit %s: %w", modelType, err)
	}

	// Backtest from the end of the training slice.
	var backExog [][]float64
	if exog != nil {
		backExog = make([][]float64, req.Horizon)
		for h := range backExog {
			backExog[h] = exog[min(train+h, n-1)]
		}
	}
	back, err := model.Forecast(req.Horizon, backExog)
	if err != nil {
		return Result{}, fmt.Errorf("backtest %s: %w", modelType, err)
	}
	backDates := daysAfter(dates[train-1], req.Horizon)
	mae, rmse, mape := scoreHoldout(dates[train:], values[train:], backDates, back.Values)

	// Forward forecast after the last observed day.
	if err := model.Extend(values[train:], sliceRows(exog, train, n)); err != nil {
		return Result{}, fmt.Errorf("extend %s: %w", modelType, err)
	}
	fwd, err := model.Forecast(req.Horizon, nil)
	if err != nil {
		return Result{}, fmt.Errorf("forecast %s: %w", modelType, err)
	}
	fwdDates := daysAfter(dates[n-1], req.Horizon)
	points := make([]models.SeriesPoint, req.Horizon)
	for i := range points {
		lo, hi := fwd.Lower95[i], fwd.Upper95[i]
		points[i] = models.SeriesPoint{Timestamp: fwdDates[i], Value: fwd.Values[i], Lower: &lo, Upper: &hi}
	}

	history := series[max(0, n-HistoryPoints):]
	res := Result{
		RunID:       uuid.New(),
		ModelType:   modelType,
		MAE:         mae,
		RMSE:        rmse,
		MAPE:        mape,
		InputPoints: n,
		History:     append([]models.SeriesPoint(nil), history...),
		Forecast:    points,
	}

	if e.store != nil {
		preds, err := json.Marshal(points)
		if err != nil {
			return Result{}, fmt.Errorf("encode predictions: %w", err)
		}
		run := &models.ForecastRun{
			ID:          res.RunID,
			Provider:    req.Provider,
			Scope:       req.Scope,
			ModelType:   modelType,
			MAE:         mae,
			RMSE:        rmse,
			MAPE:        mape,
			HorizonDays: req.Horizon,
			InputPoints: n,
			Predictions: preds,
			CreatedAt:   e.now().UTC(),
		}
		if err := e.store.AppendForecastRun(ctx, run); err != nil {
			return Result{}, fmt.Errorf("persist forecast run: %w", err)
		}
	}

	metrics.ForecastRunsTotal.WithLabelValues(req.Provider, modelType, "success").Inc()
	metrics.ForecastMAE.WithLabelValues(req.Provider, modelType).Set(mae)
	e.logger.Info("Forecast completed",
		zap.String("provider", req.Provider),
		zap.String("model_type", modelType),
		zap.Int("points", n),
		zap.Int("horizon", req.Horizon),
		zap.Float64("mae", mae),
		zap.Float64("mape", mape),
		zap.String("method", model.method),
	)
	return res, nil
}

// scoreHoldout aligns each holdout date to the nearest forecast date and
// returns MAE, RMSE and MAPE (percent).
func scoreHoldout(actualDates []time.Time, actual []float64, predDates []time.Time, pred []float64) (mae, rmse, mape float64) {
	for i, t := range actualDates {
		p := pred[nearestIndex(predDates, t)]
		diff := actual[i] - p
		mae += math.Abs(diff)
		rmse += diff * diff
		mape += math.Abs(diff) / math.Max(actual[i], 1e-6)
	}
	k := float64(len(actual))
	return mae / k, math.Sqrt(rmse / k), mape / k * 100
}

// nearestIndex returns the index of the date closest to t; ties go to the
// earlier date.
func nearestIndex(dates []time.Time, t time.Time) int {
	best := 0
	bestGap := time.Duration(math.MaxInt64)
	for i, d := range dates {
		gap := t.Sub(d)
		if gap < 0 {
			gap = -gap
		}
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func daysAfter(last time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = last.AddDate(0, 0, i+1)
	}
	return out
}

// weekdayDummies encodes the UTC weekday of each date as six indicator
// columns, Tuesday through Sunday. Monday is the reference level.
func weekdayDummies(dates []time.Time) [][]float64 {
	rows := make([][]float64, len(dates))
	for i, d := range dates {
		row := make([]float64, 6)
		switch wd := d.UTC().Weekday(); wd {
		case time.Monday:
		case time.Sunday:
			row[5] = 1
		default:
			row[int(wd)-2] = 1
		}
		rows[i] = row
	}
	return rows
}

func sliceRows(rows [][]float64, from, to int) [][]float64 {
	if rows == nil {
		return nil
	}
	return rows[from:to]
}
