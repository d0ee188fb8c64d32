package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

// IsolationForestConfig holds the forest hyper-parameters.
type IsolationForestConfig struct {
	NumTrees      int     // default 100
	MaxSamples    int     // default min(256, n)
	Contamination float64 // expected outlier fraction, (0, 0.5)
	Seed          int64
}

// isoNode is one node of a flattened isolation tree. Leaves have Left < 0.
type isoNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"s"`
}

// IsolationForest implements the Isolation Forest algorithm for anomaly
// detection. Scores follow the usual decision-function convention: the raw
// score is the negated mean normalised path length, shifted so that the
// contamination quantile of the training scores sits at zero.
type IsolationForest struct {
	cfg         IsolationForestConfig
	trees       [][]isoNode
	maxSamples  int
	maxDepth    int
	numFeatures int
	offset      float64
	rng         *rand.Rand
}

// NewIsolationForest creates an unfitted forest.
func NewIsolationForest(cfg IsolationForestConfig) *IsolationForest {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		cfg.Contamination = 0.1
	}
	return &IsolationForest{cfg: cfg}
}

// Variant implements OutlierModel.
func (f *IsolationForest) Variant() string { return VariantIsolationForest }

// Fit trains the forest on the rows of x.
func (f *IsolationForest) Fit(x [][]float64) error {
	if err := validateMatrix(x, -1); err != nil {
		return err
	}
	width := len(x[0])
	if err := validateMatrix(x, width); err != nil {
		return err
	}

	n := len(x)
	f.numFeatures = width
	f.maxSamples = f.cfg.MaxSamples
	if f.maxSamples <= 0 || f.maxSamples > n {
		f.maxSamples = n
		if f.maxSamples > 256 {
			f.maxSamples = 256
		}
	}
	f.maxDepth = int(math.Ceil(math.Log2(math.Max(float64(f.maxSamples), 2))))
	f.rng = rand.New(rand.NewSource(f.cfg.Seed))

	f.trees = make([][]isoNode, 0, f.cfg.NumTrees)
	for i := 0; i < f.cfg.NumTrees; i++ {
		sample := f.rng.Perm(n)[:f.maxSamples]
		nodes := make([]isoNode, 0, 2*f.maxSamples)
		f.buildTree(x, sample, 0, &nodes)
		f.trees = append(f.trees, nodes)
	}

	raw := make([]float64, n)
	for i, row := range x {
		raw[i] = f.rawScore(row)
	}
	f.offset = Quantile(raw, f.cfg.Contamination)
	return nil
}

// buildTree appends the subtree for idx to nodes and returns its root index.
func (f *IsolationForest) buildTree(x [][]float64, idx []int, depth int, nodes *[]isoNode) int {
	self := len(*nodes)
	*nodes = append(*nodes, isoNode{Left: -1, Right: -1, Size: len(idx)})

	if len(idx) <= 1 || depth >= f.maxDepth {
		return self
	}

	// Pick a random feature that is not constant in this node.
	feature, lo, hi := -1, 0.0, 0.0
	for _, cand := range f.rng.Perm(f.numFeatures) {
		mn, mx := featureRange(x, idx, cand)
		if mx > mn {
			feature, lo, hi = cand, mn, mx
			break
		}
	}
	if feature < 0 {
		return self
	}

	threshold := lo + f.rng.Float64()*(hi-lo)
	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return self
	}

	l := f.buildTree(x, left, depth+1, nodes)
	r := f.buildTree(x, right, depth+1, nodes)
	(*nodes)[self] = isoNode{Feature: feature, Threshold: threshold, Left: l, Right: r, Size: len(idx)}
	return self
}

func featureRange(x [][]float64, idx []int, feature int) (float64, float64) {
	mn, mx := x[idx[0]][feature], x[idx[0]][feature]
	for _, i := range idx[1:] {
		v := x[i][feature]
		if v < mn {
			mn = v
		}
		if v > mx {
			mx = v
		}
	}
	return mn, mx
}

// pathLength returns the depth at which row lands plus the expected depth of
// the remaining unsplit points in that leaf.
func pathLength(nodes []isoNode, row []float64) float64 {
	i, depth := 0, 0
	for nodes[i].Left >= 0 {
		if row[nodes[i].Feature] <= nodes[i].Threshold {
			i = nodes[i].Left
		} else {
			i = nodes[i].Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(nodes[i].Size)
}

// rawScore is -2^(-E[h(x)]/c(maxSamples)); closer to -1 means more anomalous.
func (f *IsolationForest) rawScore(row []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, row)
	}
	avg := total / float64(len(f.trees))
	return -math.Pow(2, -avg/averagePathLength(f.maxSamples))
}

// Score returns decision values for each row.
func (f *IsolationForest) Score(x [][]float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}
	if err := validateMatrix(x, f.numFeatures); err != nil {
		return nil, err
	}
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = f.rawScore(row) - f.offset
	}
	return out, nil
}

// Label flags rows whose decision value is negative.
func (f *IsolationForest) Label(x [][]float64) ([]bool, error) {
	scores, err := f.Score(x)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s < 0
	}
	return out, nil
}

// Params implements OutlierModel.
func (f *IsolationForest) Params() map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":  f.cfg.NumTrees,
		"max_samples":   f.maxSamples,
		"max_depth":     f.maxDepth,
		"contamination": f.cfg.Contamination,
		"random_state":  f.cfg.Seed,
		"offset":        f.offset,
	}
}

// averagePathLength calculates the average path length of unsuccessful search in BST
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2H(n-1) - (2(n-1)/n)
	return 2*harmonicNumber(n-1) - (2 * float64(n-1) / float64(n))
}

// harmonicNumber approximates H(n) ≈ ln(n) + 0.5772156649 (Euler-Mascheroni constant)
func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

type forestSnapshot struct {
	NumTrees      int         `json:"n_estimators"`
	MaxSamples    int         `json:"max_samples"`
	MaxDepth      int         `json:"max_depth"`
	NumFeatures   int         `json:"n_features"`
	Contamination float64     `json:"contamination"`
	Seed          int64       `json:"random_state"`
	Offset        float64     `json:"offset"`
	Trees         [][]isoNode `json:"trees"`
}

// Snapshot serialises the fitted forest.
func (f *IsolationForest) Snapshot() ([]byte, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}
	return json.Marshal(f)
}

// MarshalJSON implements json.Marshaler.
func (f *IsolationForest) MarshalJSON() ([]byte, error) {
	return json.Marshal(forestSnapshot{
		NumTrees:      f.cfg.NumTrees,
		MaxSamples:    f.maxSamples,
		MaxDepth:      f.maxDepth,
		NumFeatures:   f.numFeatures,
		Contamination: f.cfg.Contamination,
		Seed:          f.cfg.Seed,
		Offset:        f.offset,
		Trees:         f.trees,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *IsolationForest) UnmarshalJSON(data []byte) error {
	var s forestSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Trees) == 0 {
		return fmt.Errorf("isolation forest snapshot: %w", ErrNotFitted)
	}
	f.cfg = IsolationForestConfig{NumTrees: s.NumTrees, MaxSamples: s.MaxSamples, Contamination: s.Contamination, Seed: s.Seed}
	f.maxSamples = s.MaxSamples
	f.maxDepth = s.MaxDepth
	f.numFeatures = s.NumFeatures
	f.offset = s.Offset
	f.trees = s.Trees
	return nil
}
