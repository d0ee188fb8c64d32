package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-costintel/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
	"github.com/kubilitics/kubilitics-costintel/internal/telemetry"
)

// Utilization statuses.
const (
	UtilizationIdle          = "idle"
	UtilizationUnderutilized = "underutilized"
	UtilizationBalanced      = "balanced"
	UtilizationOverutilized  = "overutilized"
)

// ResourceUtilization is the mean CPU and memory use of one resource.
type ResourceUtilization struct {
	ResourceID       string  `json:"resource_id"`
	AvgCPU           float64 `json:"avg_cpu"`
	AvgMem           float64 `json:"avg_mem"`
	UtilizationScore float64 `json:"utilization_score"`
	Status           string  `json:"status"`
}

// CostTrends holds the daily cost series per provider.
type CostTrends struct {
	VPS []models.SeriesPoint `json:"vps"`
	AWS []models.SeriesPoint `json:"aws"`
}

// UtilizationStatus buckets a utilization score.
func UtilizationStatus(score float64) string {
	switch {
	case score < 20:
		return UtilizationIdle
	case score < 50:
		return UtilizationUnderutilized
	case score < 80:
		return UtilizationBalanced
	default:
		return UtilizationOverutilized
	}
}

// AnalyzeUtilization averages cpu_pct and mem_pct per resource over the
// window. A resource without one of the metrics counts it as 0. Results are
// ordered by resource ID.
func (s *Service) AnalyzeUtilization(ctx context.Context, windowHours int, provider string) ([]ResourceUtilization, error) {
	if err := validateWindow(windowHours); err != nil {
		return nil, err
	}
	if provider == "" {
		provider = ProviderVPS
	}

	samples, err := s.store.QuerySamples(ctx, db.SampleQuery{
		Provider: provider,
		Metrics:  []string{"cpu_pct", "mem_pct"},
		Since:    s.now().Add(-time.Duration(windowHours) * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("query utilization samples: %w", err)
	}

	type sums struct{ cpu, mem, nCPU, nMem float64 }
	byResource := make(map[string]*sums)
	for _, smp := range samples {
		acc, ok := byResource[smp.ResourceID]
		if !ok {
			acc = &sums{}
			byResource[smp.ResourceID] = acc
		}
		if smp.MetricName == "cpu_pct" {
			acc.cpu += smp.Value
			acc.nCPU++
		} else {
			acc.mem += smp.Value
			acc.nMem++
		}
	}

	out := make([]ResourceUtilization, 0, len(byResource))
	for id, acc := range byResource {
		var cpu, mem float64
		if acc.nCPU > 0 {
			cpu = acc.cpu / acc.nCPU
		}
		if acc.nMem > 0 {
			mem = acc.mem / acc.nMem
		}
		score := (cpu + mem) / 2
		out = append(out, ResourceUtilization{
			ResourceID:       id,
			AvgCPU:           cpu,
			AvgMem:           mem,
			UtilizationScore: score,
			Status:           UtilizationStatus(score),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// CostTrends returns the last days of the daily cost series of each provider.
func (s *Service) CostTrends(ctx context.Context, days int) (CostTrends, error) {
	if err := validateHorizon(days); err != nil {
		return CostTrends{}, err
	}
	vps, err := telemetry.LoadDailyCost(ctx, s.store, ProviderVPS, time.Time{})
	if err != nil {
		return CostTrends{}, err
	}
	aws, err := telemetry.LoadDailyCost(ctx, s.store, ProviderAWS, time.Time{})
	if err != nil {
		return CostTrends{}, err
	}
	return CostTrends{VPS: tail(vps, days), AWS: tail(aws, days)}, nil
}

func tail(series []models.SeriesPoint, n int) []models.SeriesPoint {
	if len(series) > n {
		return series[len(series)-n:]
	}
	return series
}

// RecordTelemetry persists samples, at most one batch per entity per write
// window.
func (s *Service) RecordTelemetry(ctx context.Context, samples []models.UsageSample) (telemetry.RecordResult, error) {
	return s.recorder.Record(ctx, samples)
}

// ListEvaluationRuns returns recorded evaluations, newest first. An empty
// model name lists the detector evaluations.
func (s *Service) ListEvaluationRuns(ctx context.Context, modelName string, limit int) ([]models.EvaluationRun, error) {
	if modelName == "" {
		modelName = evaluation.ModelName
	}
	runs, err := s.store.ListEvaluationRuns(ctx, modelName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list evaluation runs: %w", err)
	}
	return runs, nil
}

// ListAlerts returns recorded alerts matching q, newest first.
func (s *Service) ListAlerts(ctx context.Context, q db.AlertQuery) ([]models.AlertRecord, error) {
	q.Limit = clampLimit(q.Limit)
	alerts, err := s.store.QueryAlerts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// Wait blocks until alert deliveries started by earlier detections finish.
// Call it before closing the store.
func (s *Service) Wait() {
	s.detector.Wait()
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
