// Package models holds the record types shared by the cost intelligence engine.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// MetricDailyCost is the metric whose value is a monetary amount.
const MetricDailyCost = "daily_cost"

// UsageSample is a single telemetry observation. Samples are append-only and
// ordered by timestamp within an entity.
type UsageSample struct {
	ID           string    `json:"id" db:"id"`
	Provider     string    `json:"provider" db:"provider"` // vps | aws
	EntityID     string    `json:"entity_id" db:"entity_id"`
	ResourceID   string    `json:"resource_id" db:"resource_id"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	MetricName   string    `json:"metric" db:"metric"`
	Timestamp    time.Time `json:"timestamp" db:"observed_at"`
	Value        float64   `json:"value" db:"value"`
	Cost         float64   `json:"cost" db:"cost"`
}

// MetricValue returns the number the sample contributes to its metric column.
// Cost samples contribute their cost, everything else its raw value.
func (s UsageSample) MetricValue() float64 {
	if s.MetricName == MetricDailyCost {
		return s.Cost
	}
	return s.Value
}

// FeatureRow is one (entity, resource, timestamp) observation with a value per
// feature column.
type FeatureRow struct {
	EntityID   string             `json:"entity_id"`
	ResourceID string             `json:"resource_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Values     map[string]float64 `json:"values"`
}

// FeatureTable is the model input. Columns fixes the feature order.
type FeatureTable struct {
	Columns []string     `json:"columns"`
	Rows    []FeatureRow `json:"rows"`
}

// Matrix returns the table as a dense row-major matrix in column order.
func (t FeatureTable) Matrix() [][]float64 {
	out := make([][]float64, len(t.Rows))
	for i, r := range t.Rows {
		row := make([]float64, len(t.Columns))
		for j, c := range t.Columns {
			row[j] = r.Values[c]
		}
		out[i] = row
	}
	return out
}

// Len returns the number of rows.
func (t FeatureTable) Len() int { return len(t.Rows) }

// GlobalOverrideKey is the entity key used for the global threshold override.
const GlobalOverrideKey = "__global__"

// ThresholdOverride adjusts the severity cutoffs. A nil EntityID is the global row.
type ThresholdOverride struct {
	ID          string    `json:"id" db:"id"`
	EntityID    *string   `json:"entity_id,omitempty" db:"entity_id"`
	Metric      string    `json:"metric" db:"metric"`
	Method      string    `json:"method" db:"method"` // quantile
	Value       float64   `json:"value" db:"value"`
	WindowHours int       `json:"window_hours" db:"window_hours"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Key returns the entity the override applies to, or GlobalOverrideKey.
func (o ThresholdOverride) Key() string {
	if o.EntityID == nil || *o.EntityID == "" {
		return GlobalOverrideKey
	}
	return *o.EntityID
}

// Severity levels for anomaly records.
const (
	SeverityHigh     = "high"
	SeverityModerate = "moderate"
	SeverityLow      = "low"
)

// AnomalyRecord describes one outlier row.
type AnomalyRecord struct {
	EntityID             string             `json:"entity_id"`
	ResourceID           string             `json:"resource_id"`
	Timestamp            time.Time          `json:"timestamp"`
	FeatureValues        map[string]float64 `json:"feature_values"`
	AnomalyScore         float64            `json:"anomaly_score"`
	Severity             string             `json:"severity"`
	TopFeatures          []string           `json:"top_features"`
	FeatureContributions map[string]float64 `json:"feature_contributions"`
	SeasonalBaseline     map[string]float64 `json:"seasonal_baseline,omitempty"`
	Explanation          string             `json:"explanation"`
}

// Alert kinds, delivery channels and statuses.
const (
	AlertKindAnomaly = "anomaly"
	AlertKindBudget  = "budget"

	DeliveredViaWebhook = "webhook"
	DeliveredViaNone    = "none"

	AlertStatusDelivered = "delivered"
	AlertStatusCreated   = "created"
)

// AlertRecord is a persisted notification. Append-only.
type AlertRecord struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	Kind         string         `json:"kind" db:"kind"`
	EntityID     string         `json:"entity_id" db:"entity_id"`
	ResourceID   string         `json:"resource_id" db:"resource_id"`
	Provider     string         `json:"provider" db:"provider"`
	Metric       string         `json:"metric" db:"metric"`
	Severity     string         `json:"severity" db:"severity"`
	Message      string         `json:"message" db:"message"`
	Payload      types.JSONText `json:"payload" db:"payload"`
	DeliveredVia string         `json:"delivered_via" db:"delivered_via"`
	Status       string         `json:"status" db:"status"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// Forecast model types.
const (
	ModelTypeARIMA         = "arima"
	ModelTypeARIMAWorkload = "arima_workload"
)

// SeriesPoint is a dated value, used for history and predictions.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Lower     *float64  `json:"lower,omitempty"`
	Upper     *float64  `json:"upper,omitempty"`
}

// ForecastRun is the persisted outcome of a backtested forecast. Append-only.
type ForecastRun struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	Provider    string         `json:"provider" db:"provider"`
	Scope       string         `json:"scope" db:"scope"`
	ModelType   string         `json:"model_type" db:"model_type"`
	MAE         float64        `json:"mae" db:"mae"`
	RMSE        float64        `json:"rmse" db:"rmse"`
	MAPE        float64        `json:"mape" db:"mape"`
	HorizonDays int            `json:"horizon_days" db:"horizon_days"`
	InputPoints int            `json:"input_points" db:"input_points"`
	Predictions types.JSONText `json:"predictions" db:"predictions"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// Budget statuses.
const (
	BudgetOnTrack     = "on_track"
	BudgetOverRisk    = "over_budget_risk"
	BudgetUnderBudget = "under_budget"
)

// BudgetAllocation is one department's share of a budget and its projection.
type BudgetAllocation struct {
	Department string  `json:"department"`
	Weight     float64 `json:"weight"`
	Budget     float64 `json:"budget"`
	Projected  float64 `json:"projected"`
	Delta      float64 `json:"delta"`
	Status     string  `json:"status"`
}

// EvaluationRun records detector quality against a z-score baseline. Append-only.
type EvaluationRun struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ModelName   string    `json:"model_name" db:"model_name"`
	WindowHours int       `json:"window_hours" db:"window_hours"`
	ZScore      float64   `json:"z_score" db:"z_score"`
	Threshold   float64   `json:"threshold" db:"threshold"`
	TP          int       `json:"tp" db:"tp"`
	FP          int       `json:"fp" db:"fp"`
	FN          int       `json:"fn" db:"fn"`
	TN          int       `json:"tn" db:"tn"`
	Precision   float64   `json:"precision" db:"precision_score"`
	Recall      float64   `json:"recall" db:"recall"`
	F1          float64   `json:"f1" db:"f1"`
	Accuracy    float64   `json:"accuracy" db:"accuracy"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ModelArtifact is a trained outlier model snapshot. The newest row per model
// name is the current model.
type ModelArtifact struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	ModelName string         `json:"model_name" db:"model_name"`
	Variant   string         `json:"variant" db:"variant"`
	TrainedAt time.Time      `json:"trained_at" db:"trained_at"`
	RowCount  int            `json:"row_count" db:"row_count"`
	Columns   types.JSONText `json:"columns" db:"columns"`
	Params    types.JSONText `json:"params" db:"params"`
	Snapshot  types.JSONText `json:"snapshot" db:"snapshot"`
}

// Department is an organizational unit that receives a budget share.
type Department struct {
	Name   string  `json:"name" db:"name" mapstructure:"name"`
	Weight float64 `json:"weight" db:"weight" mapstructure:"weight"`
	Budget float64 `json:"budget" db:"budget" mapstructure:"budget"`
}

// DefaultDepartments returns the stock allocation weights.
func DefaultDepartments() []Department {
	return []Department{
		{Name: "Dev", Weight: 0.40},
		{Name: "IT", Weight: 0.30},
		{Name: "HR", Weight: 0.20},
		{Name: "Management", Weight: 0.10},
	}
}
