package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// RecordResult counts what happened to a batch.
type RecordResult struct {
	Persisted   int `json:"persisted"`
	RateLimited int `json:"rate_limited"`
	Invalid     int `json:"invalid"`
}

// Recorder writes samples through a Limiter. All samples of one entity in a
// batch share a single rate-limit decision.
type Recorder struct {
	store   db.SampleStore
	limiter *Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(store db.SampleStore, limiter *Limiter, logger *zap.Logger) *Recorder {
	if limiter == nil {
		limiter = NewLimiter(DefaultWindow)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, limiter: limiter, logger: logger.Named("telemetry"), now: time.Now}
}

// Record persists the samples whose entity is due for a write.
func (r *Recorder) Record(ctx context.Context, samples []models.UsageSample) (RecordResult, error) {
	var res RecordResult
	now := r.now()
	allowed := make(map[string]bool)
	keep := make([]models.UsageSample, 0, len(samples))

	for _, s := range samples {
		if s.EntityID == "" || s.MetricName == "" {
			res.Invalid++
			continue
		}
		ok, seen := allowed[s.EntityID]
		if !seen {
			ok = r.limiter.Allow(s.EntityID, now)
			allowed[s.EntityID] = ok
		}
		if !ok {
			res.RateLimited++
			continue
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		keep = append(keep, s)
	}

	if len(keep) > 0 {
		if err := r.store.AppendSamples(ctx, keep); err != nil {
			for entity, ok := range allowed {
				if ok {
					r.limiter.Forget(entity, now)
				}
			}
			return res, fmt.Errorf("append samples: %w", err)
		}
	}
	res.Persisted = len(keep)

	metrics.TelemetrySamples.WithLabelValues("persisted").Add(float64(res.Persisted))
	metrics.TelemetrySamples.WithLabelValues("rate_limited").Add(float64(res.RateLimited))
	metrics.TelemetrySamples.WithLabelValues("invalid").Add(float64(res.Invalid))
	if res.RateLimited > 0 {
		r.logger.Debug("Samples rate limited", zap.Int("count", res.RateLimited))
	}
	return res, nil
}
