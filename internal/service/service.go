// Package service is the function-level contract of the cost intelligence
// engine. Every exported method validates its arguments, loads its input from
// the store and delegates to the analytics packages.
package service

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/alert"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/features"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-costintel/internal/config"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/telemetry"
)

// ErrInvalidArgument is returned when a parameter is outside its allowed range.
var ErrInvalidArgument = errors.New("invalid argument")

// Parameter bounds.
const (
	MinWindowHours = 1
	MaxWindowHours = 168
	MinHorizonDays = 1
	MaxHorizonDays = 365
	MinZScore      = 0.5
	MaxZScore      = 5.0

	// DefaultDepartmentWeight scales forecasts for departments that are not
	// configured.
	DefaultDepartmentWeight = 0.25

	// DetectorModelName names the artifacts written by Retrain.
	DetectorModelName = "cost_detector"

	ProviderVPS = "vps"
	ProviderAWS = "aws"
)

// Service wires the analytics components to the store.
type Service struct {
	cfg        *config.Config
	store      db.Store
	builder    *features.Builder
	detector   anomaly.Detector
	forecaster *forecast.Engine
	harness    *evaluation.Harness
	dispatcher *alert.Dispatcher
	recorder   *telemetry.Recorder
	logger     *zap.Logger
	now        func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithDispatcher replaces the alert dispatcher built from config.
func WithDispatcher(d *alert.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a service over store.
func New(cfg *config.Config, store db.Store, logger *zap.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		builder: features.NewBuilder(nil),
		logger:  logger.Named("service"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dispatcher == nil {
		var dopts []alert.Option
		if cfg.Alert.TimeoutSeconds > 0 {
			dopts = append(dopts, alert.WithTimeout(time.Duration(cfg.Alert.TimeoutSeconds)*time.Second))
		}
		s.dispatcher = alert.NewDispatcher(store, cfg.Alert.WebhookURL, logger, dopts...)
	}
	s.detector = anomaly.NewDetector(anomaly.Config{
		Variant:             cfg.Detection.Variant,
		Seed:                cfg.Detection.Seed,
		MaxConcurrentAlerts: cfg.Alert.MaxConcurrent,
	}, s.dispatcher, logger)
	s.forecaster = forecast.NewEngine(store, logger)
	s.harness = evaluation.NewHarness(evaluation.Config{
		Variant: cfg.Detection.Variant,
		Seed:    cfg.Detection.Seed,
	}, store, logger)
	s.recorder = telemetry.NewRecorder(store,
		telemetry.NewLimiter(time.Duration(cfg.Telemetry.WriteWindowSeconds)*time.Second), logger)

	return s, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func validateWindow(hours int) error {
	if hours < MinWindowHours || hours > MaxWindowHours {
		return invalid("window_hours must be between %d and %d, got %d", MinWindowHours, MaxWindowHours, hours)
	}
	return nil
}

func validateHorizon(days int) error {
	if days < MinHorizonDays || days > MaxHorizonDays {
		return invalid("horizon_days must be between %d and %d, got %d", MinHorizonDays, MaxHorizonDays, days)
	}
	return nil
}

func validateContamination(c float64) error {
	if c <= 0 || c >= 0.5 {
		return invalid("contamination must be in (0, 0.5), got %v", c)
	}
	return nil
}

func validateBudget(b float64) error {
	if b <= 0 {
		return invalid("budget must be positive, got %v", b)
	}
	return nil
}

func validateZ(z float64) error {
	if z <= MinZScore || z >= MaxZScore {
		return invalid("z must be in (%v, %v), got %v", MinZScore, MaxZScore, z)
	}
	return nil
}

func (s *Service) provider(p string) string {
	if p != "" {
		return p
	}
	if s.cfg.Forecast.Provider != "" {
		return s.cfg.Forecast.Provider
	}
	return ProviderVPS
}
