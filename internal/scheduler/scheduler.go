// Package scheduler runs model retraining on a fixed interval and keeps
// retrying after failures until its context is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
)

// State is the scheduler's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateTraining
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultInterval   = time.Hour
	DefaultRetryDelay = 60 * time.Second
)

// TrainFunc performs one retraining cycle.
type TrainFunc func(ctx context.Context) error

// Config holds scheduler configuration.
type Config struct {
	// Interval is the wait after a successful cycle.
	Interval time.Duration
	// RetryDelay is the wait after a failed cycle.
	RetryDelay time.Duration
	// Clock is replaced in tests.
	Clock clock.Clock
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// Scheduler drives a TrainFunc.
type Scheduler struct {
	mu sync.Mutex

	train   TrainFunc
	cfg     Config
	clock   clock.Clock
	backoff backoff.BackOff
	logger  *zap.Logger

	state       State
	successes   int64
	failures    int64
	lastErr     error
	lastSuccess time.Time
}

// New creates a scheduler in the idle state.
func New(train TrainFunc, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		train:   train,
		cfg:     cfg,
		clock:   cfg.Clock,
		backoff: backoff.NewConstantBackOff(cfg.RetryDelay),
		logger:  logger.Named("scheduler"),
	}
}

// Run trains immediately and then on schedule. It returns when ctx is
// cancelled; cycle failures and panics never end the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Retrain scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("retry_delay", s.cfg.RetryDelay),
	)
	defer func() {
		s.setState(StateStopped)
		s.logger.Info("Retrain scheduler stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateTraining)
		wait := s.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// cycle runs one training attempt and returns how long to wait before the
// next one.
func (s *Scheduler) cycle(ctx context.Context) time.Duration {
	start := s.clock.Now()
	err := s.safeTrain(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.successes++
		s.lastSuccess = s.clock.Now()
		s.backoff.Reset()
		s.setStateLocked(StateIdle)
		metrics.RetrainCycles.WithLabelValues("success").Inc()
		s.logger.Info("Retrain cycle completed", zap.Duration("duration", s.clock.Since(start)))
		return s.cfg.Interval
	}

	s.failures++
	s.lastErr = err
	s.setStateLocked(StateBackoff)
	metrics.RetrainCycles.WithLabelValues("failure").Inc()

	wait := s.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = s.cfg.RetryDelay
	}
	s.logger.Error("Retrain cycle failed",
		zap.Error(err),
		zap.Int64("failures", s.failures),
		zap.Duration("retry_in", wait),
	)
	return wait
}

// safeTrain converts a panic in the TrainFunc into an error.
func (s *Scheduler) safeTrain(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RetrainCycles.WithLabelValues("panic").Inc()
			s.logger.Error("Retrain cycle panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("retrain panic: %v", r)
		}
	}()
	return s.train(ctx)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns counters and the last error.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:       s.state,
		StateName:   s.state.String(),
		Successes:   s.successes,
		Failures:    s.failures,
		LastSuccess: s.lastSuccess,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Scheduler) setStateLocked(st State) {
	s.state = st
	metrics.RetrainState.Set(float64(st))
}
