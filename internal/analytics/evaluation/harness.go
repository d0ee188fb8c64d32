// Package evaluation measures how well the unsupervised detector agrees with
// a simple z-score rule on daily cost.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/features"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

const (
	// ModelName identifies evaluation runs of the detector against the z rule.
	ModelName = "iforest_vs_z"

	// Contamination is the outlier share the evaluated model is fitted with.
	Contamination = 0.1

	MessageInsufficientData = "Insufficient data"
	MessageNoCostColumn     = "No daily_cost column"
)

// Options parameterises one evaluation.
type Options struct {
	Z           float64
	WindowHours int
}

// Result is an evaluation outcome. Message is set when nothing was evaluated.
type Result struct {
	models.EvaluationRun
	Message string `json:"message,omitempty"`
}

// Config selects the evaluated model family.
type Config struct {
	Variant string
	Seed    int64
}

// Harness fits a fresh model per evaluation and records the confusion counts.
type Harness struct {
	cfg    Config
	store  db.EvaluationRunStore
	logger *zap.Logger
	now    func() time.Time
}

// NewHarness creates a harness. A nil store skips persistence.
func NewHarness(cfg Config, store db.EvaluationRunStore, logger *zap.Logger) *Harness {
	if cfg.Variant == "" {
		cfg.Variant = ml.VariantIsolationForest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{cfg: cfg, store: store, logger: logger.Named("evaluation"), now: time.Now}
}

// Evaluate labels rows whose cost is at least mean + z·std as true anomalies
// and compares them with the model's outlier labels.
func (h *Harness) Evaluate(ctx context.Context, table models.FeatureTable, opts Options) (Result, error) {
	col := -1
	for j, c := range table.Columns {
		if c == models.MetricDailyCost {
			col = j
		}
	}
	if col < 0 {
		return Result{Message: MessageNoCostColumn}, nil
	}
	if table.Len() < features.MinRows {
		return Result{Message: MessageInsufficientData}, nil
	}

	x := table.Matrix()
	costs := make([]float64, len(x))
	for i, row := range x {
		costs[i] = row[col]
	}
	mean, std := stat.MeanStdDev(costs, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	threshold := mean + opts.Z*std

	model, err := ml.New(h.cfg.Variant, Contamination, h.cfg.Seed)
	if err != nil {
		return Result{}, err
	}
	if err := model.Fit(x); err != nil {
		return Result{}, fmt.Errorf("fit %s: %w: %v", h.cfg.Variant, analytics.ErrModelFit, err)
	}
	preds, err := model.Label(x)
	if err != nil {
		return Result{}, fmt.Errorf("label rows: %w", err)
	}

	run := models.EvaluationRun{
		ID:          uuid.New(),
		ModelName:   ModelName,
		WindowHours: opts.WindowHours,
		ZScore:      opts.Z,
		Threshold:   threshold,
		CreatedAt:   h.now().UTC(),
	}
	for i, cost := range costs {
		actual := cost >= threshold
		switch {
		case preds[i] && actual:
			run.TP++
		case preds[i] && !actual:
			run.FP++
		case !preds[i] && actual:
			run.FN++
		default:
			run.TN++
		}
	}
	precision := ratio(run.TP, run.TP+run.FP)
	recall := ratio(run.TP, run.TP+run.FN)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	run.Precision = round3(precision)
	run.Recall = round3(recall)
	run.F1 = round3(f1)
	run.Accuracy = round3(ratio(run.TP+run.TN, len(costs)))

	if h.store != nil {
		if err := h.store.AppendEvaluationRun(ctx, &run); err != nil {
			return Result{}, fmt.Errorf("persist evaluation run: %w", err)
		}
	}
	metrics.EvaluationF1.WithLabelValues(ModelName).Set(run.F1)
	h.logger.Info("Detector evaluated",
		zap.Int("rows", len(costs)),
		zap.Float64("threshold", threshold),
		zap.Float64("precision", run.Precision),
		zap.Float64("recall", run.Recall),
		zap.Float64("f1", run.F1),
	)
	return Result{EvaluationRun: run}, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
