package ml

import (
	"math"
	"math/rand"
	"testing"
)

// clusterWithOutlier returns n-1 points around (1, 2) and one far point last.
func clusterWithOutlier(n int) [][]float64 {
	rng := rand.New(rand.NewSource(7))
	data := make([][]float64, 0, n)
	for i := 0; i < n-1; i++ {
		data = append(data, []float64{1 + rng.Float64()*0.2, 2 + rng.Float64()*0.2})
	}
	return append(data, []float64{10.0, 20.0})
}

func TestIsolationForest_Basic(t *testing.T) {
	data := clusterWithOutlier(40)

	forest := NewIsolationForest(IsolationForestConfig{NumTrees: 50, Contamination: 0.05, Seed: DefaultSeed})
	if err := forest.Fit(data); err != nil {
		t.Fatalf("Failed to fit model: %v", err)
	}

	scores, err := forest.Score(data)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	labels, err := forest.Label(data)
	if err != nil {
		t.Fatalf("Label: %v", err)
	}

	outlier := len(data) - 1
	if !labels[outlier] {
		t.Errorf("Anomalous point not detected. Score: %f", scores[outlier])
	}
	if scores[outlier] >= 0 {
		t.Errorf("Outlier decision value should be negative, got %f", scores[outlier])
	}
	for i := 0; i < outlier; i++ {
		if scores[outlier] >= scores[i] {
			t.Errorf("Outlier score (%f) should be lower than normal score (%f) at %d", scores[outlier], scores[i], i)
		}
	}
}

func TestIsolationForest_LabelsMatchContamination(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([][]float64, 200)
	for i := range data {
		data[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}

	forest := NewIsolationForest(IsolationForestConfig{Contamination: 0.1, Seed: DefaultSeed})
	if err := forest.Fit(data); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	labels, _ := forest.Label(data)
	scores, _ := forest.Score(data)

	count := 0
	for i, l := range labels {
		if l {
			count++
		}
		if l != (scores[i] < 0) {
			t.Fatalf("label %d inconsistent with score %f", i, scores[i])
		}
	}
	// The offset is the 10th percentile of training scores.
	if count < 15 || count > 21 {
		t.Errorf("expected about 20 outliers, got %d", count)
	}
}

func TestIsolationForest_Deterministic(t *testing.T) {
	data := clusterWithOutlier(30)

	a := NewIsolationForest(IsolationForestConfig{Contamination: 0.1, Seed: 42})
	b := NewIsolationForest(IsolationForestConfig{Contamination: 0.1, Seed: 42})
	if err := a.Fit(data); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(data); err != nil {
		t.Fatal(err)
	}
	sa, _ := a.Score(data)
	sb, _ := b.Score(data)
	for i := range sa {
		if sa[i] != sb[i] {
			t.Fatalf("same seed produced different scores at %d: %f vs %f", i, sa[i], sb[i])
		}
	}
}

func TestIsolationForest_DefaultsFollowSampleSize(t *testing.T) {
	data := clusterWithOutlier(20)
	forest := NewIsolationForest(IsolationForestConfig{})
	if err := forest.Fit(data); err != nil {
		t.Fatal(err)
	}
	params := forest.Params()
	if params["max_samples"] != 20 {
		t.Errorf("max_samples = %v, want 20", params["max_samples"])
	}
	if params["max_depth"] != 5 {
		t.Errorf("max_depth = %v, want ceil(log2(20)) = 5", params["max_depth"])
	}
	if params["n_estimators"] != 100 {
		t.Errorf("n_estimators = %v, want 100", params["n_estimators"])
	}
}

func TestIsolationForest_ConstantData(t *testing.T) {
	data := make([][]float64, 15)
	for i := range data {
		data[i] = []float64{3, 3}
	}
	forest := NewIsolationForest(IsolationForestConfig{Contamination: 0.1})
	if err := forest.Fit(data); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	scores, err := forest.Score(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range scores {
		if math.Abs(s) > 1e-12 {
			t.Fatalf("identical rows should score at the offset, got %f", s)
		}
	}
}

func TestIsolationForest_Errors(t *testing.T) {
	forest := NewIsolationForest(IsolationForestConfig{})
	if _, err := forest.Score([][]float64{{1}}); err != ErrNotFitted {
		t.Errorf("expected ErrNotFitted, got %v", err)
	}
	if err := forest.Fit(nil); err != ErrEmptyInput {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if err := forest.Fit([][]float64{{1, 2}, {1}}); err == nil {
		t.Error("expected ragged input to fail")
	}
}

func TestAveragePathLength(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{256, 2*(math.Log(255)+0.5772156649) - 2*255.0/256.0},
	}
	for _, tt := range tests {
		if got := averagePathLength(tt.n); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("averagePathLength(%d) = %f, want %f", tt.n, got, tt.want)
		}
	}
}
