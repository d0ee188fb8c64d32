package anomaly

import (
	"time"

	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

type slot struct {
	weekday time.Weekday
	hour    int
}

// SeasonalResiduals returns, per row and column, the residual against the
// mean of all rows sharing the same (day of week, hour) in UTC, and that
// mean as the baseline.
func SeasonalResiduals(table models.FeatureTable) (residuals, baselines [][]float64) {
	x := table.Matrix()
	d := len(table.Columns)

	sums := make(map[slot][]float64)
	counts := make(map[slot]int)
	keys := make([]slot, len(table.Rows))
	for i, row := range table.Rows {
		ts := row.Timestamp.UTC()
		k := slot{weekday: ts.Weekday(), hour: ts.Hour()}
		keys[i] = k
		if _, ok := sums[k]; !ok {
			sums[k] = make([]float64, d)
		}
		for j := 0; j < d; j++ {
			sums[k][j] += x[i][j]
		}
		counts[k]++
	}

	residuals = make([][]float64, len(x))
	baselines = make([][]float64, len(x))
	for i := range x {
		k := keys[i]
		n := float64(counts[k])
		residuals[i] = make([]float64, d)
		baselines[i] = make([]float64, d)
		for j := 0; j < d; j++ {
			b := sums[k][j] / n
			baselines[i][j] = b
			residuals[i][j] = x[i][j] - b
		}
	}
	return residuals, baselines
}
