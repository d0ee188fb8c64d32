package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cost intelligence metrics for production monitoring
var (
	// Anomaly detection metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_anomalies_detected_total",
			Help: "Total number of anomalous rows reported by the detector",
		},
		[]string{"severity", "mode"}, // mode: standard/seasonal
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costintel_detection_duration_seconds",
			Help:    "Time spent fitting and scoring the outlier model",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"variant"},
	)

	// Alert metrics
	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_alerts_dispatched_total",
			Help: "Total number of alerts persisted, by kind and delivery channel",
		},
		[]string{"kind", "delivered_via"},
	)

	// Forecast metrics
	ForecastRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_forecast_runs_total",
			Help: "Total number of backtested forecast runs",
		},
		[]string{"provider", "model_type", "status"},
	)

	ForecastMAE = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "costintel_forecast_mae",
			Help: "Mean absolute error of the most recent backtest",
		},
		[]string{"provider", "model_type"},
	)

	// Budget metrics
	BudgetStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_budget_comparisons_total",
			Help: "Total number of budget comparisons by resulting status",
		},
		[]string{"status"},
	)

	// Evaluation metrics
	EvaluationF1 = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "costintel_evaluation_f1",
			Help: "F1 score of the latest detector evaluation",
		},
		[]string{"model_name"},
	)

	// Retraining metrics
	RetrainCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_retrain_cycles_total",
			Help: "Total number of retraining cycles by outcome",
		},
		[]string{"result"}, // success/failure/panic
	)

	RetrainState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "costintel_retrain_state",
			Help: "Current retraining scheduler state (0=idle 1=training 2=backoff 3=stopped)",
		},
	)

	// Telemetry metrics
	TelemetrySamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_telemetry_samples_total",
			Help: "Total number of telemetry samples received, by outcome",
		},
		[]string{"outcome"}, // persisted/rate_limited
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costintel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
