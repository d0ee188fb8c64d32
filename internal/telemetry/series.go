package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// DailyCost sums the cost of daily_cost samples per UTC day. Days without a
// sample between the first and the last day repeat the previous total.
func DailyCost(samples []models.UsageSample) []models.SeriesPoint {
	totals := make(map[time.Time]float64)
	for _, s := range samples {
		if s.MetricName != models.MetricDailyCost {
			continue
		}
		totals[day(s.Timestamp)] += s.MetricValue()
	}
	if len(totals) == 0 {
		return []models.SeriesPoint{}
	}

	days := make([]time.Time, 0, len(totals))
	for d := range totals {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var out []models.SeriesPoint
	prev := 0.0
	for d := days[0]; !d.After(days[len(days)-1]); d = d.AddDate(0, 0, 1) {
		if v, ok := totals[d]; ok {
			prev = v
		}
		out = append(out, models.SeriesPoint{Timestamp: d, Value: prev})
	}
	return out
}

// LoadDailyCost queries cost samples and returns their daily series.
func LoadDailyCost(ctx context.Context, store db.SampleStore, provider string, since time.Time) ([]models.SeriesPoint, error) {
	samples, err := store.QuerySamples(ctx, db.SampleQuery{
		Provider: provider,
		Metrics:  []string{models.MetricDailyCost},
		Since:    since,
	})
	if err != nil {
		return nil, fmt.Errorf("query cost samples: %w", err)
	}
	return DailyCost(samples), nil
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
