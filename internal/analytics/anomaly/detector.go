package anomaly

import (
	"context"

	"github.com/kubilitics/kubilitics-costintel/internal/alert"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// Package anomaly finds unusual cost and utilisation rows with an unsupervised
// outlier model and explains them.
//
// Pipeline:
//
//   1. Fit
//      - One OutlierModel (isolation forest by default) is fitted on every row
//        of the feature table with the caller's contamination.
//      - Seasonal mode first replaces each feature by its residual against the
//        (day of week, hour) group mean.
//
//   2. Explain
//      - For each outlier, every feature's signed deviation from the column
//        mean is computed; the three largest by magnitude are the top features.
//
//   3. Grade
//      - Global cutoffs are the 5th (critical) and 15th (warning) percentiles
//        of all scores. A per-entity "quantile" override, falling back to the
//        global override row, replaces them.
//      - score <= critical is high, <= warning is moderate, else low.
//
//   4. Notify
//      - High and moderate rows are sent to the alert dispatcher with metric
//        daily_cost. Dispatch errors are logged and never fail detection.
//      - Delivery runs in the background so the result is returned before
//        any webhook answers. Wait drains it.

// Notifier receives alerts for high and moderate anomalies.
type Notifier interface {
	Dispatch(ctx context.Context, a alert.Alert) (models.AlertRecord, error)
}

// Options controls a single detection call.
type Options struct {
	Contamination float64
	// EntityFilter keeps only anomalies of this entity. Applied after scoring,
	// so the model still sees every row.
	EntityFilter string
	Overrides    []models.ThresholdOverride
	Seasonal     bool
	Provider     string
}

// Result is the detector output. Message is set when no detection ran.
type Result struct {
	Count     int                    `json:"count"`
	Anomalies []models.AnomalyRecord `json:"anomalies"`
	Message   string                 `json:"message,omitempty"`
	Variant   string                 `json:"variant,omitempty"`
	Rows      int                    `json:"rows"`
}

// Detector defines the anomaly detection operations.
type Detector interface {
	// Detect fits a fresh model on table and reports its outliers.
	Detect(ctx context.Context, table models.FeatureTable, opts Options) (Result, error)

	// DetectWithModel scores table with an already fitted model.
	DetectWithModel(ctx context.Context, model ml.OutlierModel, table models.FeatureTable, opts Options) (Result, error)

	// Wait blocks until every alert delivery started so far has finished.
	Wait()
}

// NewDetector creates a new anomaly detector with dependencies.
// The concrete implementation is in detector_impl.go.
