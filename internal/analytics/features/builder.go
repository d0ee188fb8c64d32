// Package features turns raw usage samples into the numeric table the outlier
// models consume.
package features

import (
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// ErrInsufficientData is returned when fewer than MinRows rows can be built.
var ErrInsufficientData = analytics.ErrInsufficientData

// MinRows is the smallest table the detectors will fit on.
const MinRows = 10

// DefaultColumns is the metric whitelist, in column order.
var DefaultColumns = []string{"cpu_pct", "mem_pct", "load_avg", models.MetricDailyCost}

// Builder pivots samples into a FeatureTable.
type Builder struct {
	columns []string
	allowed map[string]bool
	minRows int
}

// NewBuilder returns a Builder for the given whitelist. Nil means DefaultColumns.
func NewBuilder(columns []string) *Builder {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	cols := append([]string(nil), columns...)
	allowed := make(map[string]bool, len(cols))
	for _, c := range cols {
		allowed[c] = true
	}
	return &Builder{columns: cols, allowed: allowed, minRows: MinRows}
}

// Columns returns the feature column order.
func (b *Builder) Columns() []string { return append([]string(nil), b.columns...) }

type rowKey struct {
	entity   string
	resource string
	ts       int64
}

type accumulator struct {
	sum   float64
	count int
}

// Build groups samples by (entity, resource, timestamp), averages each
// whitelisted metric and fills missing metrics with 0. Samples with an empty
// entity or a metric outside the whitelist are skipped. When fewer than MinRows
// rows result, the empty table is returned together with ErrInsufficientData.
func (b *Builder) Build(samples []models.UsageSample) (models.FeatureTable, error) {
	empty := models.FeatureTable{Columns: b.Columns()}

	groups := make(map[rowKey]map[string]*accumulator)
	stamps := make(map[rowKey]time.Time)
	for _, s := range samples {
		if s.EntityID == "" || !b.allowed[s.MetricName] {
			continue
		}
		k := rowKey{entity: s.EntityID, resource: s.ResourceID, ts: s.Timestamp.UnixNano()}
		g, ok := groups[k]
		if !ok {
			g = make(map[string]*accumulator)
			groups[k] = g
			stamps[k] = s.Timestamp
		}
		acc, ok := g[s.MetricName]
		if !ok {
			acc = &accumulator{}
			g[s.MetricName] = acc
		}
		acc.sum += s.MetricValue()
		acc.count++
	}

	if len(groups) < b.minRows {
		return empty, ErrInsufficientData
	}

	rows := make([]models.FeatureRow, 0, len(groups))
	for k, g := range groups {
		values := make(map[string]float64, len(b.columns))
		for _, c := range b.columns {
			if acc, ok := g[c]; ok && acc.count > 0 {
				values[c] = acc.sum / float64(acc.count)
			} else {
				values[c] = 0.0
			}
		}
		rows = append(rows, models.FeatureRow{
			EntityID:   k.entity,
			ResourceID: k.resource,
			Timestamp:  stamps[k],
			Values:     values,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		if rows[i].EntityID != rows[j].EntityID {
			return rows[i].EntityID < rows[j].EntityID
		}
		return rows[i].ResourceID < rows[j].ResourceID
	})

	return models.FeatureTable{Columns: b.Columns(), Rows: rows}, nil
}
