package anomaly

import (
	"math"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// Default severity quantiles of the score distribution.
const (
	CriticalQuantile = 0.05
	WarningQuantile  = 0.15
)

// MethodQuantile is the only override method that changes the cutoffs.
const MethodQuantile = "quantile"

// Grade maps a decision score to a severity. Lower scores are worse.
func Grade(score, critical, warning float64) string {
	switch {
	case score <= critical:
		return models.SeverityHigh
	case score <= warning:
		return models.SeverityModerate
	default:
		return models.SeverityLow
	}
}

// Cutoffs returns the critical and warning score cutoffs. With a quantile
// override the critical cutoff is the clamp(value, 0, 0.5) quantile, and the
// warning cutoff is the quantile at min(0.9, critical + 0.1), where critical
// is the cutoff score itself rather than its level.
func Cutoffs(scores []float64, override *models.ThresholdOverride) (float64, float64) {
	if override != nil && override.Method == MethodQuantile {
		critical := ml.Quantile(scores, math.Max(0, math.Min(override.Value, 0.5)))
		warning := ml.Quantile(scores, math.Min(0.9, critical+0.1))
		return critical, warning
	}
	return ml.Quantile(scores, CriticalQuantile), ml.Quantile(scores, WarningQuantile)
}

// cutoffResolver caches cutoffs per override key.
type cutoffResolver struct {
	scores    []float64
	overrides map[string]*models.ThresholdOverride
	cache     map[string][2]float64
}

// newCutoffResolver indexes overrides by entity. The first override seen for
// a key wins, so callers pass them newest first.
func newCutoffResolver(scores []float64, overrides []models.ThresholdOverride) *cutoffResolver {
	r := &cutoffResolver{
		scores:    scores,
		overrides: make(map[string]*models.ThresholdOverride),
		cache:     make(map[string][2]float64),
	}
	for i := range overrides {
		k := overrides[i].Key()
		if _, ok := r.overrides[k]; !ok {
			r.overrides[k] = &overrides[i]
		}
	}
	return r
}

func (r *cutoffResolver) forEntity(entity string) (float64, float64) {
	key := entity
	if _, ok := r.overrides[key]; !ok {
		key = models.GlobalOverrideKey
	}
	if c, ok := r.cache[key]; ok {
		return c[0], c[1]
	}
	critical, warning := Cutoffs(r.scores, r.overrides[key])
	r.cache[key] = [2]float64{critical, warning}
	return critical, warning
}
