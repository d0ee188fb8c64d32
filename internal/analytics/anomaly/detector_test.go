package anomaly

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/alert"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/features"
	"github.com/kubilitics/kubilitics-costintel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *recordingNotifier) Dispatch(_ context.Context, a alert.Alert) (models.AlertRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	if n.err != nil {
		return models.AlertRecord{}, n.err
	}
	return models.AlertRecord{Kind: a.Kind, Severity: a.Severity}, nil
}

// costSpikeTable builds n hourly rows around cost 10 with one row at cost 100.
func costSpikeTable(n, spike int, entities ...string) models.FeatureTable {
	if len(entities) == 0 {
		entities = []string{"vm-1"}
	}
	rng := rand.New(rand.NewSource(11))
	base := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	table := models.FeatureTable{Columns: features.DefaultColumns}
	for i := 0; i < n; i++ {
		cost := 10 + rng.Float64() - 0.5
		if i == spike {
			cost = 100
		}
		e := entities[i%len(entities)]
		table.Rows = append(table.Rows, models.FeatureRow{
			EntityID:   e,
			ResourceID: e + "-disk",
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Values: map[string]float64{
				"cpu_pct":    40 + rng.Float64()*4 - 2,
				"mem_pct":    50 + rng.Float64()*4 - 2,
				"load_avg":   1 + rng.Float64()*0.4 - 0.2,
				"daily_cost": cost,
			},
		})
	}
	return table
}

func newTestDetector(n Notifier) Detector {
	return NewDetector(Config{Seed: ml.DefaultSeed}, n, zap.NewNop())
}

func TestDetect_InsufficientData(t *testing.T) {
	d := newTestDetector(nil)
	res, err := d.Detect(context.Background(), costSpikeTable(9, -1), Options{Contamination: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.NotNil(t, res.Anomalies)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, MessageInsufficientData, res.Message)
}

func TestDetect_NoColumns(t *testing.T) {
	d := newTestDetector(nil)
	res, err := d.Detect(context.Background(), models.FeatureTable{}, Options{Contamination: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.NotEmpty(t, res.Message)
}

func TestDetect_CostSpikeIsHighSeverity(t *testing.T) {
	notifier := &recordingNotifier{}
	d := newTestDetector(notifier)

	table := costSpikeTable(50, 25)
	res, err := d.Detect(context.Background(), table, Options{Contamination: 0.1, Provider: "vps"})
	require.NoError(t, err)
	require.Positive(t, res.Count)
	d.Wait()
	assert.Equal(t, ml.VariantIsolationForest, res.Variant)

	var spike *models.AnomalyRecord
	for i := range res.Anomalies {
		if res.Anomalies[i].Timestamp.Equal(table.Rows[25].Timestamp) {
			spike = &res.Anomalies[i]
		}
	}
	require.NotNil(t, spike, "cost spike must be reported")
	assert.Equal(t, models.SeverityHigh, spike.Severity)
	assert.Contains(t, spike.TopFeatures, "daily_cost")
	assert.Equal(t, "daily_cost", spike.TopFeatures[0])
	assert.LessOrEqual(t, len(spike.TopFeatures), 3)
	assert.Len(t, spike.FeatureContributions, 4)
	assert.Greater(t, spike.FeatureContributions["daily_cost"], 80.0)
	assert.Equal(t, 100.0, spike.FeatureValues["daily_cost"])
	assert.Less(t, spike.AnomalyScore, 0.0)
	assert.True(t, strings.HasPrefix(spike.Explanation, "Cost deviation "))
	assert.True(t, strings.HasSuffix(spike.Explanation, "Severity high"))
	assert.Equal(t, "vm-1-disk", spike.ResourceID)

	// Every high/moderate anomaly produced exactly one alert.
	alerting := 0
	for _, a := range res.Anomalies {
		if a.Severity != models.SeverityLow {
			alerting++
		}
	}
	require.Len(t, notifier.alerts, alerting)
	for _, a := range notifier.alerts {
		assert.Equal(t, models.AlertKindAnomaly, a.Kind)
		assert.Equal(t, "daily_cost", a.Metric)
		assert.Equal(t, "vps", a.Provider)
	}
}

// blockingNotifier holds every dispatch until release is closed.
type blockingNotifier struct {
	release  chan struct{}
	inflight int32
	peak     int32
	done     int32
	canceled int32
}

func (n *blockingNotifier) Dispatch(ctx context.Context, a alert.Alert) (models.AlertRecord, error) {
	cur := atomic.AddInt32(&n.inflight, 1)
	for {
		peak := atomic.LoadInt32(&n.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&n.peak, peak, cur) {
			break
		}
	}
	<-n.release
	if ctx.Err() != nil {
		atomic.AddInt32(&n.canceled, 1)
	}
	atomic.AddInt32(&n.inflight, -1)
	atomic.AddInt32(&n.done, 1)
	return models.AlertRecord{Kind: a.Kind, Severity: a.Severity}, nil
}

func TestDetect_ReturnsBeforeAlertsAreDelivered(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{})}
	d := NewDetector(Config{Seed: ml.DefaultSeed, MaxConcurrentAlerts: 2}, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	res, err := d.Detect(ctx, costSpikeTable(50, 25, "vm-1", "vm-2", "vm-3"), Options{Contamination: 0.2})
	require.NoError(t, err)
	require.Positive(t, res.Count)
	cancel()

	alerting := 0
	for _, a := range res.Anomalies {
		if a.Severity != models.SeverityLow {
			alerting++
		}
	}
	require.Positive(t, alerting)
	assert.Zero(t, atomic.LoadInt32(&notifier.done), "no delivery may finish before Detect returns")

	close(notifier.release)
	d.Wait()
	assert.Equal(t, int32(alerting), atomic.LoadInt32(&notifier.done))
	assert.LessOrEqual(t, atomic.LoadInt32(&notifier.peak), int32(2))
	assert.Zero(t, atomic.LoadInt32(&notifier.canceled), "delivery must survive the caller's cancellation")
}

func TestDetect_NotifierErrorsDoNotFailDetection(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("store down")}
	d := newTestDetector(notifier)

	res, err := d.Detect(context.Background(), costSpikeTable(50, 25), Options{Contamination: 0.1})
	require.NoError(t, err)
	assert.Positive(t, res.Count)
	d.Wait()
	assert.NotEmpty(t, notifier.alerts)
}

func TestDetect_EntityFilterAppliedAfterScoring(t *testing.T) {
	d := newTestDetector(nil)
	table := costSpikeTable(60, 31, "vm-a", "vm-b")

	all, err := d.Detect(context.Background(), table, Options{Contamination: 0.1})
	require.NoError(t, err)
	onlyB, err := d.Detect(context.Background(), table, Options{Contamination: 0.1, EntityFilter: "vm-b"})
	require.NoError(t, err)

	var wantB int
	for _, a := range all.Anomalies {
		if a.EntityID == "vm-b" {
			wantB++
		}
	}
	assert.Equal(t, wantB, onlyB.Count)
	for _, a := range onlyB.Anomalies {
		assert.Equal(t, "vm-b", a.EntityID)
	}
	// Row 31 belongs to vm-b and carries the spike.
	assert.Positive(t, onlyB.Count)
}

func TestDetect_InvalidContamination(t *testing.T) {
	d := newTestDetector(nil)
	_, err := d.Detect(context.Background(), costSpikeTable(20, 3), Options{Contamination: 0.7})
	assert.ErrorIs(t, err, ml.ErrInvalidContamination)
}

func TestDetect_ReconstructionVariant(t *testing.T) {
	d := NewDetector(Config{Variant: ml.VariantReconstruction}, nil, zap.NewNop())
	table := costSpikeTable(50, 10)
	res, err := d.Detect(context.Background(), table, Options{Contamination: 0.1})
	require.NoError(t, err)
	assert.Equal(t, ml.VariantReconstruction, res.Variant)

	found := false
	for _, a := range res.Anomalies {
		if a.Timestamp.Equal(table.Rows[10].Timestamp) {
			found = true
			assert.Equal(t, models.SeverityHigh, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestDetectWithModel(t *testing.T) {
	table := costSpikeTable(50, 7)
	model, err := ml.New(ml.VariantIsolationForest, 0.1, ml.DefaultSeed)
	require.NoError(t, err)
	require.NoError(t, model.Fit(table.Matrix()))

	d := newTestDetector(nil)
	res, err := d.DetectWithModel(context.Background(), model, table, Options{Contamination: 0.1})
	require.NoError(t, err)
	fresh, err := d.Detect(context.Background(), table, Options{Contamination: 0.1})
	require.NoError(t, err)
	assert.Equal(t, fresh.Count, res.Count, "same seed and data give the same outliers")
}

func TestDetect_Seasonal(t *testing.T) {
	// Three weeks of noon samples; one Wednesday spikes.
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	table := models.FeatureTable{Columns: features.DefaultColumns}
	for i := 0; i < 21; i++ {
		cost := 10.0
		if i == 9 {
			cost = 100
		}
		table.Rows = append(table.Rows, models.FeatureRow{
			EntityID:  "vm-1",
			Timestamp: base.AddDate(0, 0, i),
			Values:    map[string]float64{"cpu_pct": 30, "mem_pct": 40, "load_avg": 1, "daily_cost": cost},
		})
	}

	d := newTestDetector(nil)
	res, err := d.Detect(context.Background(), table, Options{Contamination: 0.1, Seasonal: true})
	require.NoError(t, err)
	require.Positive(t, res.Count)

	var spike *models.AnomalyRecord
	for i := range res.Anomalies {
		require.NotNil(t, res.Anomalies[i].SeasonalBaseline)
		assert.Contains(t, res.Anomalies[i].Explanation, "Seasonal baseline")
		if res.Anomalies[i].Timestamp.Equal(table.Rows[9].Timestamp) {
			spike = &res.Anomalies[i]
		}
	}
	require.NotNil(t, spike)
	assert.InDelta(t, 40.0, spike.SeasonalBaseline["daily_cost"], 1e-9)
	assert.InDelta(t, 60.0, spike.FeatureContributions["daily_cost"], 1e-9)
}

func TestSeasonalResiduals(t *testing.T) {
	monday := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	table := models.FeatureTable{
		Columns: []string{"daily_cost"},
		Rows: []models.FeatureRow{
			{Timestamp: monday, Values: map[string]float64{"daily_cost": 10}},
			{Timestamp: monday.AddDate(0, 0, 7), Values: map[string]float64{"daily_cost": 20}},
			{Timestamp: monday.Add(time.Hour), Values: map[string]float64{"daily_cost": 7}},
		},
	}
	res, base := SeasonalResiduals(table)
	assert.Equal(t, [][]float64{{-5}, {5}, {0}}, res)
	assert.Equal(t, [][]float64{{15}, {15}, {7}}, base)
}

func TestTopFeaturesAndExplain(t *testing.T) {
	cols := []string{"cpu_pct", "mem_pct", "load_avg", "daily_cost"}
	contrib := map[string]float64{"cpu_pct": -3, "mem_pct": 2, "load_avg": 0.1, "daily_cost": 88.2}

	top := TopFeatures(cols, contrib, 3)
	assert.Equal(t, []string{"daily_cost", "cpu_pct", "mem_pct"}, top)
	assert.Equal(t,
		"Cost deviation 88.20 from baseline. Primary driver daily_cost. Additional drivers cpu_pct, mem_pct. Severity high",
		Explain(contrib, top, models.SeverityHigh))

	assert.Equal(t, "Primary driver cpu_pct. Severity low",
		Explain(map[string]float64{"cpu_pct": 1}, []string{"cpu_pct"}, models.SeverityLow))
}
