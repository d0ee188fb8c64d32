package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/features"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// MessageNoModel is reported by ScoreWithCurrentModel before the first retrain.
const MessageNoModel = "No trained model available"

// DetectRequest parameterises DetectAnomalies.
type DetectRequest struct {
	WindowHours   int
	Contamination float64 // zero uses the configured contamination
	Entity        string
	Seasonal      bool
	Provider      string
}

// DetectAnomalies fits the configured outlier model on the recent window and
// reports graded anomalies. Seasonal mode looks back over the seasonal window
// instead of WindowHours so that every (weekday, hour) slot has history.
func (s *Service) DetectAnomalies(ctx context.Context, req DetectRequest) (anomaly.Result, error) {
	if err := validateWindow(req.WindowHours); err != nil {
		return anomaly.Result{}, err
	}
	if req.Contamination == 0 {
		req.Contamination = s.cfg.Detection.Contamination
	}
	if err := validateContamination(req.Contamination); err != nil {
		return anomaly.Result{}, err
	}
	provider := req.Provider
	if provider == "" {
		provider = ProviderVPS
	}

	lookback := time.Duration(req.WindowHours) * time.Hour
	if req.Seasonal {
		lookback = time.Duration(s.cfg.Detection.SeasonalWindowDays) * 24 * time.Hour
	}

	table, err := s.loadTable(ctx, s.builder, provider, lookback)
	if errors.Is(err, features.ErrInsufficientData) {
		return anomaly.Result{Anomalies: []models.AnomalyRecord{}, Message: anomaly.MessageInsufficientData, Rows: table.Len()}, nil
	}
	if err != nil {
		return anomaly.Result{}, err
	}

	overrides, err := s.store.ListThresholdOverrides(ctx, models.MetricDailyCost)
	if err != nil {
		return anomaly.Result{}, fmt.Errorf("load threshold overrides: %w", err)
	}

	return s.detector.Detect(ctx, table, anomaly.Options{
		Contamination: req.Contamination,
		EntityFilter:  req.Entity,
		Overrides:     overrides,
		Seasonal:      req.Seasonal,
		Provider:      provider,
	})
}

// ScoreWithCurrentModel scores the recent window with the latest trained
// artifact instead of fitting a new model.
func (s *Service) ScoreWithCurrentModel(ctx context.Context, windowHours int) (anomaly.Result, error) {
	if err := validateWindow(windowHours); err != nil {
		return anomaly.Result{}, err
	}

	art, err := s.store.LatestModelArtifact(ctx, DetectorModelName)
	if err != nil {
		return anomaly.Result{}, fmt.Errorf("load model artifact: %w", err)
	}
	if art == nil {
		return anomaly.Result{Anomalies: []models.AnomalyRecord{}, Message: MessageNoModel}, nil
	}

	var columns []string
	if err := art.Columns.Unmarshal(&columns); err != nil {
		return anomaly.Result{}, fmt.Errorf("decode artifact columns: %w", err)
	}
	model, err := ml.Load(art.Variant, art.Snapshot)
	if err != nil {
		return anomaly.Result{}, fmt.Errorf("load artifact %s: %w", art.ID, err)
	}

	table, err := s.loadTable(ctx, features.NewBuilder(columns), ProviderVPS, time.Duration(windowHours)*time.Hour)
	if errors.Is(err, features.ErrInsufficientData) {
		return anomaly.Result{Anomalies: []models.AnomalyRecord{}, Message: anomaly.MessageInsufficientData, Rows: table.Len()}, nil
	}
	if err != nil {
		return anomaly.Result{}, err
	}

	overrides, err := s.store.ListThresholdOverrides(ctx, models.MetricDailyCost)
	if err != nil {
		return anomaly.Result{}, fmt.Errorf("load threshold overrides: %w", err)
	}
	return s.detector.DetectWithModel(ctx, model, table, anomaly.Options{
		Overrides: overrides,
		Provider:  ProviderVPS,
	})
}

// EvaluateDetector compares the detector with a z-score rule on the recent
// window and records the run.
func (s *Service) EvaluateDetector(ctx context.Context, windowHours int, z float64) (evaluation.Result, error) {
	if err := validateWindow(windowHours); err != nil {
		return evaluation.Result{}, err
	}
	if err := validateZ(z); err != nil {
		return evaluation.Result{}, err
	}

	table, err := s.loadTable(ctx, s.builder, ProviderVPS, time.Duration(windowHours)*time.Hour)
	if errors.Is(err, features.ErrInsufficientData) {
		return evaluation.Result{Message: evaluation.MessageInsufficientData}, nil
	}
	if err != nil {
		return evaluation.Result{}, err
	}
	return s.harness.Evaluate(ctx, table, evaluation.Options{Z: z, WindowHours: windowHours})
}

// Retrain fits the configured model on the retrain window, stores it as the
// current artifact and records a drift evaluation. Too little data skips the
// cycle without error.
func (s *Service) Retrain(ctx context.Context) error {
	window := s.cfg.Retrain.WindowHours
	table, err := s.loadTable(ctx, s.builder, ProviderVPS, time.Duration(window)*time.Hour)
	if errors.Is(err, features.ErrInsufficientData) {
		s.logger.Info("Retrain skipped, not enough rows", zap.Int("window_hours", window))
		return nil
	}
	if err != nil {
		return err
	}

	model, err := ml.New(s.cfg.Detection.Variant, s.cfg.Detection.Contamination, s.cfg.Detection.Seed)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	if err := model.Fit(table.Matrix()); err != nil {
		return fmt.Errorf("fit model: %w", err)
	}

	art, err := newArtifact(model, table, s.now())
	if err != nil {
		return err
	}
	if err := s.store.SaveModelArtifact(ctx, art); err != nil {
		return fmt.Errorf("save model artifact: %w", err)
	}

	res, err := s.harness.Evaluate(ctx, table, evaluation.Options{Z: s.cfg.Evaluation.ZScore, WindowHours: window})
	if err != nil {
		return fmt.Errorf("evaluate retrained model: %w", err)
	}

	s.logger.Info("Model retrained",
		zap.String("artifact_id", art.ID.String()),
		zap.String("variant", art.Variant),
		zap.Int("rows", art.RowCount),
		zap.Float64("f1", res.F1),
	)
	return nil
}

func (s *Service) loadTable(ctx context.Context, b *features.Builder, provider string, lookback time.Duration) (models.FeatureTable, error) {
	samples, err := s.store.QuerySamples(ctx, db.SampleQuery{
		Provider: provider,
		Metrics:  b.Columns(),
		Since:    s.now().Add(-lookback),
	})
	if err != nil {
		return models.FeatureTable{}, fmt.Errorf("query samples: %w", err)
	}
	return b.Build(samples)
}
