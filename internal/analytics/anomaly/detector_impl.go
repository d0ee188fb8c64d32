package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-costintel/internal/alert"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/features"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// MessageInsufficientData is reported when the table is too small to fit.
const MessageInsufficientData = "Insufficient data"

// Config configures the detector.
type Config struct {
	Variant string
	Seed    int64
	// MaxConcurrentAlerts bounds the alert fan-out. Default 4.
	MaxConcurrentAlerts int
}

// detectorImpl is the concrete Detector.
type detectorImpl struct {
	cfg      Config
	notifier Notifier
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// NewDetector creates a detector. notifier may be nil to disable alerting.
func NewDetector(cfg Config, notifier Notifier, logger *zap.Logger) Detector {
	if cfg.Variant == "" {
		cfg.Variant = ml.VariantIsolationForest
	}
	if cfg.MaxConcurrentAlerts <= 0 {
		cfg.MaxConcurrentAlerts = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &detectorImpl{cfg: cfg, notifier: notifier, logger: logger.Named("anomaly")}
}

func (d *detectorImpl) Detect(ctx context.Context, table models.FeatureTable, opts Options) (Result, error) {
	if res, ok := precheck(table); !ok {
		return res, nil
	}

	x := table.Matrix()
	var baselines [][]float64
	if opts.Seasonal {
		x, baselines = SeasonalResiduals(table)
	}

	model, err := ml.New(d.cfg.Variant, opts.Contamination, d.cfg.Seed)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	if err := model.Fit(x); err != nil {
		return Result{}, fmt.Errorf("fit %s: %w: %v", d.cfg.Variant, analytics.ErrModelFit, err)
	}
	metrics.DetectionDuration.WithLabelValues(d.cfg.Variant).Observe(time.Since(start).Seconds())

	return d.classify(ctx, model, table, x, baselines, opts)
}

func (d *detectorImpl) DetectWithModel(ctx context.Context, model ml.OutlierModel, table models.FeatureTable, opts Options) (Result, error) {
	if res, ok := precheck(table); !ok {
		return res, nil
	}
	opts.Seasonal = false
	return d.classify(ctx, model, table, table.Matrix(), nil, opts)
}

func precheck(table models.FeatureTable) (Result, bool) {
	empty := Result{Anomalies: []models.AnomalyRecord{}}
	if len(table.Columns) == 0 {
		empty.Message = "No recognised feature columns"
		return empty, false
	}
	if table.Len() < features.MinRows {
		empty.Message = MessageInsufficientData
		empty.Rows = table.Len()
		return empty, false
	}
	return empty, true
}

// classify scores x, grades the outliers and dispatches alerts.
func (d *detectorImpl) classify(ctx context.Context, model ml.OutlierModel, table models.FeatureTable, x [][]float64, baselines [][]float64, opts Options) (Result, error) {
	scores, err := model.Score(x)
	if err != nil {
		return Result{}, fmt.Errorf("score rows: %w", err)
	}
	labels, err := model.Label(x)
	if err != nil {
		return Result{}, fmt.Errorf("label rows: %w", err)
	}

	means := columnMeans(x)
	cutoffs := newCutoffResolver(scores, opts.Overrides)
	mode := "standard"
	if opts.Seasonal {
		mode = "seasonal"
	}

	records := make([]models.AnomalyRecord, 0)
	var alerts []alert.Alert
	for i, row := range table.Rows {
		if !labels[i] {
			continue
		}
		if opts.EntityFilter != "" && row.EntityID != opts.EntityFilter {
			continue
		}

		contributions := make(map[string]float64, len(table.Columns))
		for j, c := range table.Columns {
			v := x[i][j]
			if !opts.Seasonal {
				v -= means[j]
			}
			if math.IsNaN(v) {
				v = 0
			}
			contributions[c] = v
		}
		top := TopFeatures(table.Columns, contributions, 3)

		critical, warning := cutoffs.forEntity(row.EntityID)
		severity := Grade(scores[i], critical, warning)

		values := make(map[string]float64, len(row.Values))
		for k, v := range row.Values {
			values[k] = v
		}
		rec := models.AnomalyRecord{
			EntityID:             row.EntityID,
			ResourceID:           row.ResourceID,
			Timestamp:            row.Timestamp,
			FeatureValues:        values,
			AnomalyScore:         scores[i],
			Severity:             severity,
			TopFeatures:          top,
			FeatureContributions: contributions,
			Explanation:          Explain(contributions, top, severity),
		}
		if baselines != nil {
			rec.SeasonalBaseline = make(map[string]float64, len(table.Columns))
			for j, c := range table.Columns {
				rec.SeasonalBaseline[c] = baselines[i][j]
			}
			if b, ok := rec.SeasonalBaseline[models.MetricDailyCost]; ok {
				rec.Explanation += fmt.Sprintf(". Seasonal baseline %.2f, residual %.2f", b, contributions[models.MetricDailyCost])
			}
		}
		records = append(records, rec)
		metrics.AnomaliesDetected.WithLabelValues(severity, mode).Inc()

		if severity == models.SeverityHigh || severity == models.SeverityModerate {
			alerts = append(alerts, anomalyAlert(rec, opts.Provider))
		}
	}

	d.notify(ctx, alerts)

	return Result{
		Count:     len(records),
		Anomalies: records,
		Variant:   model.Variant(),
		Rows:      table.Len(),
	}, nil
}

func anomalyAlert(rec models.AnomalyRecord, provider string) alert.Alert {
	return alert.Alert{
		Kind:       models.AlertKindAnomaly,
		EntityID:   rec.EntityID,
		ResourceID: rec.ResourceID,
		Provider:   provider,
		Metric:     models.MetricDailyCost,
		Severity:   rec.Severity,
		Message:    rec.Explanation,
		Payload: map[string]interface{}{
			"entity_id":     rec.EntityID,
			"resource_id":   rec.ResourceID,
			"metric":        models.MetricDailyCost,
			"severity":      rec.Severity,
			"message":       rec.Explanation,
			"timestamp":     rec.Timestamp.UTC().Format(time.RFC3339),
			"daily_cost":    rec.FeatureValues[models.MetricDailyCost],
			"anomaly_score": rec.AnomalyScore,
		},
	}
}

// notify fans alerts out in the background with bounded concurrency. The
// delivery outlives ctx's cancellation but keeps its values. Failures are
// logged only.
func (d *detectorImpl) notify(ctx context.Context, alerts []alert.Alert) {
	if d.notifier == nil || len(alerts) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		var g errgroup.Group
		g.SetLimit(d.cfg.MaxConcurrentAlerts)
		for _, a := range alerts {
			a := a
			g.Go(func() error {
				if _, err := d.notifier.Dispatch(ctx, a); err != nil {
					d.logger.Error("dispatch anomaly alert",
						zap.String("entity_id", a.EntityID),
						zap.String("resource_id", a.ResourceID),
						zap.String("severity", a.Severity),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (d *detectorImpl) Wait() {
	d.pending.Wait()
}

func columnMeans(x [][]float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	means := make([]float64, len(x[0]))
	for _, row := range x {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(len(x))
	}
	return means
}

// TopFeatures returns up to n columns ordered by |contribution| descending.
// Ties keep column order.
func TopFeatures(columns []string, contributions map[string]float64, n int) []string {
	ordered := append([]string(nil), columns...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return math.Abs(contributions[ordered[i]]) > math.Abs(contributions[ordered[j]])
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	return ordered
}

// Explain renders the human-readable anomaly summary.
func Explain(contributions map[string]float64, top []string, severity string) string {
	var parts []string
	if v, ok := contributions[models.MetricDailyCost]; ok {
		parts = append(parts, fmt.Sprintf("Cost deviation %.2f from baseline", v))
	}
	if len(top) > 0 {
		parts = append(parts, "Primary driver "+top[0])
		if len(top) > 1 {
			parts = append(parts, "Additional drivers "+strings.Join(top[1:], ", "))
		}
	}
	parts = append(parts, "Severity "+severity)
	return strings.Join(parts, ". ")
}
