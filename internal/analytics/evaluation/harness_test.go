package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics/features"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// separableTable has three tight groups of normal rows and spikes every
// tenth row.
func separableTable(n int) models.FeatureTable {
	base := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	table := models.FeatureTable{Columns: features.DefaultColumns}
	for i := 0; i < n; i++ {
		level := float64(i % 3)
		values := map[string]float64{
			"cpu_pct":    40 + level,
			"mem_pct":    50 + level,
			"load_avg":   1 + level*0.1,
			"daily_cost": 10 + level*0.5,
		}
		if i%10 == 9 {
			values = map[string]float64{"cpu_pct": 95, "mem_pct": 95, "load_avg": 5, "daily_cost": 100}
		}
		table.Rows = append(table.Rows, models.FeatureRow{
			EntityID:   "vm-1",
			ResourceID: "vm-1-disk",
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Values:     values,
		})
	}
	return table
}

func newTestHarness(t *testing.T) (*Harness, db.Store) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewHarness(Config{Seed: 42}, store, zap.NewNop()), store
}

func TestEvaluateSeparable(t *testing.T) {
	h, store := newTestHarness(t)

	res, err := h.Evaluate(context.Background(), separableTable(100), Options{Z: 2, WindowHours: 24})
	require.NoError(t, err)
	assert.Empty(t, res.Message)

	assert.Equal(t, 10, res.TP+res.FN, "ten rows exceed the z threshold")
	assert.GreaterOrEqual(t, res.Precision, 0.9)
	assert.GreaterOrEqual(t, res.Recall, 0.9)
	assert.Equal(t, 100, res.TP+res.FP+res.FN+res.TN)

	runs, err := store.ListEvaluationRuns(context.Background(), ModelName, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.ID, runs[0].ID)
	assert.Equal(t, 24, runs[0].WindowHours)
	assert.InDelta(t, res.F1, runs[0].F1, 1e-12)
}

func TestEvaluateInsufficientData(t *testing.T) {
	h, store := newTestHarness(t)

	res, err := h.Evaluate(context.Background(), separableTable(5), Options{Z: 2})
	require.NoError(t, err)
	assert.Equal(t, MessageInsufficientData, res.Message)
	assert.Zero(t, res.F1)

	runs, err := store.ListEvaluationRuns(context.Background(), ModelName, 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEvaluateNoCostColumn(t *testing.T) {
	h, _ := newTestHarness(t)
	table := separableTable(20)
	table.Columns = []string{"cpu_pct"}

	res, err := h.Evaluate(context.Background(), table, Options{Z: 2})
	require.NoError(t, err)
	assert.Equal(t, MessageNoCostColumn, res.Message)
}

func TestEvaluateConstantCost(t *testing.T) {
	h := NewHarness(Config{Seed: 42}, nil, nil)
	table := separableTable(30)
	for i := range table.Rows {
		table.Rows[i].Values = map[string]float64{"cpu_pct": 1, "mem_pct": 1, "load_avg": 1, "daily_cost": 7}
	}

	res, err := h.Evaluate(context.Background(), table, Options{Z: 1})
	require.NoError(t, err)
	// std falls back to 1
	assert.InDelta(t, 8, res.Threshold, 1e-12)
	assert.Equal(t, 30, res.TN)
	assert.Equal(t, 1.0, res.Accuracy)
}

func TestRound3(t *testing.T) {
	assert.Equal(t, 0.667, round3(2.0/3.0))
	assert.Equal(t, 0.0, ratio(1, 0))
}
