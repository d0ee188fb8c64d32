package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// Store is the main persistence interface for the cost intelligence engine.
type Store interface {
	SampleStore
	ThresholdStore
	AlertStore
	ForecastRunStore
	EvaluationRunStore
	ModelArtifactStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Usage samples ────────────────────────────────────────────────────────────

// SampleQuery filters usage samples. Zero values mean "no filter".
type SampleQuery struct {
	Provider string
	EntityID string
	Metrics  []string
	Since    time.Time
	Until    time.Time
}

// SampleStore persists raw telemetry.
type SampleStore interface {
	// AppendSamples writes samples in a single transaction. Samples without an
	// ID are assigned one.
	AppendSamples(ctx context.Context, samples []models.UsageSample) error

	// QuerySamples returns matching samples ordered by timestamp ascending.
	QuerySamples(ctx context.Context, q SampleQuery) ([]models.UsageSample, error)
}

// ─── Threshold overrides ──────────────────────────────────────────────────────

// ThresholdStore holds severity cutoff overrides.
type ThresholdStore interface {
	SaveThresholdOverride(ctx context.Context, o *models.ThresholdOverride) error

	// ListThresholdOverrides returns overrides for a metric, newest first.
	ListThresholdOverrides(ctx context.Context, metric string) ([]models.ThresholdOverride, error)
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

// AlertQuery filters alert history.
type AlertQuery struct {
	Kind     string
	EntityID string
	Severity string
	Since    time.Time
	Limit    int
}

// AlertStore persists dispatched alerts. Records are insert-only.
type AlertStore interface {
	AppendAlert(ctx context.Context, rec *models.AlertRecord) error
	QueryAlerts(ctx context.Context, q AlertQuery) ([]models.AlertRecord, error)
}

// ─── Forecast runs ────────────────────────────────────────────────────────────

// ForecastRunStore persists backtested forecasts. Records are insert-only.
type ForecastRunStore interface {
	AppendForecastRun(ctx context.Context, run *models.ForecastRun) error

	// ListForecastRuns returns runs for a provider, newest first.
	ListForecastRuns(ctx context.Context, provider string, limit int) ([]models.ForecastRun, error)
}

// ─── Evaluation runs ──────────────────────────────────────────────────────────

// EvaluationRunStore persists detector drift evaluations.
type EvaluationRunStore interface {
	AppendEvaluationRun(ctx context.Context, run *models.EvaluationRun) error
	ListEvaluationRuns(ctx context.Context, modelName string, limit int) ([]models.EvaluationRun, error)
}

// ─── Model artifacts ──────────────────────────────────────────────────────────

// ModelArtifactStore persists trained model snapshots.
type ModelArtifactStore interface {
	SaveModelArtifact(ctx context.Context, a *models.ModelArtifact) error

	// LatestModelArtifact returns the newest artifact for a model name.
	// Returns nil, nil when no artifact has been saved yet.
	LatestModelArtifact(ctx context.Context, modelName string) (*models.ModelArtifact, error)
}
