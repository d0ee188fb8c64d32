package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		projected float64
		budget    float64
		status    string
		delta     float64
	}{
		{"over budget risk", 1060, 1000, models.BudgetOverRisk, 60},
		{"within band below", 950, 1000, models.BudgetOnTrack, -50},
		{"upper boundary", 1050, 1000, models.BudgetOnTrack, 50},
		{"under budget", 940, 1000, models.BudgetUnderBudget, -60},
		{"exact", 1000, 1000, models.BudgetOnTrack, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Compare(tt.projected, tt.budget)
			assert.Equal(t, tt.status, c.Status)
			assert.InDelta(t, tt.delta, c.Delta, 1e-9)
			assert.Equal(t, tt.projected, c.ProjectedTotal)
			assert.Equal(t, UtilizationTarget, c.UtilizationTarget)
		})
	}
}

func TestStatusMatchesCompare(t *testing.T) {
	for _, p := range []float64{0, 500, 949.99, 950, 1000, 1050, 1050.01, 2000} {
		assert.Equal(t, Compare(p, 1000).Status, Status(p, 1000), "projected %v", p)
	}
}

func TestAllocateDefaultDepartments(t *testing.T) {
	allocs := Allocate(1060, 1000, Departments(models.DefaultDepartments()))
	require.Len(t, allocs, 4)

	assert.Equal(t, "Dev", allocs[0].Department)
	assert.InDelta(t, 400, allocs[0].Budget, 1e-9)
	assert.InDelta(t, 424, allocs[0].Projected, 1e-9)
	assert.Equal(t, models.BudgetOverRisk, allocs[0].Status)

	last := allocs[3]
	assert.Equal(t, "Management", last.Department)
	assert.InDelta(t, 100, last.Budget, 1e-9)
	assert.InDelta(t, 106, last.Projected, 1e-9)
	assert.InDelta(t, 6, last.Delta, 1e-9)
}

func TestAllocateSumsToInputs(t *testing.T) {
	entities := []WeightedEntity{{"a", 1}, {"b", 1}, {"c", 1}}
	allocs := Allocate(1234.57, 1000, entities)

	var budget, projected float64
	for _, a := range allocs {
		budget += a.Budget
		projected += a.Projected
		assert.InDelta(t, 1000.0/3, a.Budget, 1e-9)
		assert.InDelta(t, 1234.57/3, a.Projected, 1e-9)
	}
	assert.InDelta(t, 1000, budget, 1e-9)
	assert.InDelta(t, 1234.57, projected, 1e-9)
}

func TestAllocateKeepsProportionalSharesForSmallAmounts(t *testing.T) {
	deps := Departments(models.DefaultDepartments())

	tests := []struct {
		name      string
		projected float64
		budget    float64
	}{
		{"one cent", 0.01, 0.01},
		{"one unit", 1.03, 1.00},
		{"sub cent", 0.0007, 0.0003},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocs := Allocate(tt.projected, tt.budget, deps)
			require.Len(t, allocs, len(deps))
			for i, a := range allocs {
				w := deps[i].Weight
				assert.InDelta(t, tt.budget*w, a.Budget, 1e-12, a.Department)
				assert.InDelta(t, tt.projected*w, a.Projected, 1e-12, a.Department)
				assert.Greater(t, a.Budget, 0.0, a.Department)
			}
		})
	}
}

func TestAllocateStatusAtBandEdgeIsPerShare(t *testing.T) {
	// Every department sits exactly on the +5% edge of its own share.
	allocs := Allocate(1.05, 1.00, Departments(models.DefaultDepartments()))
	require.Len(t, allocs, 4)
	for _, a := range allocs {
		assert.Equal(t, models.BudgetOnTrack, a.Status, a.Department)
	}
	assert.InDelta(t, 0.315, allocs[1].Projected, 1e-12)
}

func TestAllocateZeroWeightsSplitEqually(t *testing.T) {
	allocs := Allocate(200, 100, []WeightedEntity{{"x", 0}, {"y", 0}})
	require.Len(t, allocs, 2)
	for _, a := range allocs {
		assert.InDelta(t, 50, a.Budget, 1e-9)
		assert.InDelta(t, 100, a.Projected, 1e-9)
		assert.Equal(t, models.BudgetOverRisk, a.Status)
	}
}

func TestAllocateEmpty(t *testing.T) {
	assert.Empty(t, Allocate(10, 10, nil))
}
