// Package budget reconciles projected spend against budgets and splits both
// across weighted organizational units.
package budget

import (
	"github.com/shopspring/decimal"

	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

const (
	// Tolerance is the fraction of the budget a projection may drift either
	// way while still being on track.
	Tolerance = 0.05

	// UtilizationTarget is the target resource utilization reported alongside
	// every comparison.
	UtilizationTarget = 0.75
)

var tolerance = decimal.NewFromFloat(Tolerance)

// Comparison is the outcome of checking a projection against a budget.
type Comparison struct {
	Budget            float64 `json:"budget"`
	ProjectedTotal    float64 `json:"projected_total"`
	Delta             float64 `json:"delta"`
	Status            string  `json:"status"`
	UtilizationTarget float64 `json:"utilization_target"`
}

// WeightedEntity is an allocation target.
type WeightedEntity struct {
	Name   string
	Weight float64
}

// Status classifies a projection against a budget. Both boundaries are
// on track.
func Status(projected, budget float64) string {
	return status(decimal.NewFromFloat(projected).Sub(decimal.NewFromFloat(budget)), decimal.NewFromFloat(budget))
}

func status(delta, budget decimal.Decimal) string {
	band := budget.Abs().Mul(tolerance)
	switch {
	case delta.GreaterThan(band):
		return models.BudgetOverRisk
	case delta.LessThan(band.Neg()):
		return models.BudgetUnderBudget
	default:
		return models.BudgetOnTrack
	}
}

// Compare checks projected spend against budget.
func Compare(projected, budget float64) Comparison {
	p := decimal.NewFromFloat(projected)
	b := decimal.NewFromFloat(budget)
	delta := p.Sub(b)
	st := status(delta, b)
	metrics.BudgetStatusTotal.WithLabelValues(st).Inc()
	return Comparison{
		Budget:            budget,
		ProjectedTotal:    projected,
		Delta:             delta.InexactFloat64(),
		Status:            st,
		UtilizationTarget: UtilizationTarget,
	}
}

// Allocate splits budget and projected across entities in proportion to
// their weights, or equally when the weights sum to zero. Each share is
// budget·w/Σw at full decimal precision; the last entity takes what is left,
// which differs from its exact share only by the division residue, so the
// shares add up to the inputs.
func Allocate(projected, budget float64, entities []WeightedEntity) []models.BudgetAllocation {
	if len(entities) == 0 {
		return []models.BudgetAllocation{}
	}

	total := decimal.Zero
	for _, e := range entities {
		total = total.Add(decimal.NewFromFloat(e.Weight))
	}
	count := decimal.NewFromInt(int64(len(entities)))
	share := func(w float64) decimal.Decimal {
		if total.IsZero() {
			return decimal.NewFromInt(1).Div(count)
		}
		return decimal.NewFromFloat(w).Div(total)
	}

	b := decimal.NewFromFloat(budget)
	p := decimal.NewFromFloat(projected)
	budgetLeft, projLeft := b, p

	out := make([]models.BudgetAllocation, len(entities))
	for i, e := range entities {
		var eb, ep decimal.Decimal
		if i == len(entities)-1 {
			eb, ep = budgetLeft, projLeft
		} else {
			s := share(e.Weight)
			eb = b.Mul(s)
			ep = p.Mul(s)
			budgetLeft = budgetLeft.Sub(eb)
			projLeft = projLeft.Sub(ep)
		}
		delta := ep.Sub(eb)
		out[i] = models.BudgetAllocation{
			Department: e.Name,
			Weight:     e.Weight,
			Budget:     eb.InexactFloat64(),
			Projected:  ep.InexactFloat64(),
			Delta:      delta.InexactFloat64(),
			Status:     status(delta, eb),
		}
	}
	return out
}

// Departments converts configured departments into allocation targets.
func Departments(deps []models.Department) []WeightedEntity {
	out := make([]WeightedEntity, len(deps))
	for i, d := range deps {
		out[i] = WeightedEntity{Name: d.Name, Weight: d.Weight}
	}
	return out
}
