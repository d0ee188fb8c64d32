package ml

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// explainedVariance is the share of variance the retained components cover.
const explainedVariance = 0.9

// ReconstructionModel is a linear autoencoder: rows are standardised,
// projected onto the leading principal components and reconstructed. The
// per-row mean squared reconstruction error is the anomaly signal, and rows
// at or above the (1 - contamination) quantile of the training errors are
// outliers.
type ReconstructionModel struct {
	contamination float64
	means         []float64
	stds          []float64
	components    *mat.Dense // d x k
	threshold     float64
}

// NewReconstructionModel creates an unfitted model.
func NewReconstructionModel(contamination float64) *ReconstructionModel {
	return &ReconstructionModel{contamination: contamination}
}

// Variant implements OutlierModel.
func (r *ReconstructionModel) Variant() string { return VariantReconstruction }

// Fit learns the standardisation, principal components and error threshold.
// A first pass drops the rows whose standardised squared norm lies above the
// (1 - contamination) quantile so that gross outliers do not shape the
// principal subspace; the threshold is then taken over every row.
func (r *ReconstructionModel) Fit(x [][]float64) error {
	if err := validateMatrix(x, -1); err != nil {
		return err
	}
	d := len(x[0])
	if err := validateMatrix(x, d); err != nil {
		return err
	}

	r.fitMoments(x)
	fitRows := r.trim(x)
	r.fitMoments(fitRows)

	n := len(fitRows)
	r.components = nil
	if d > 1 && n > 1 {
		z := r.standardize(fitRows)
		var cov mat.SymDense
		stat.CovarianceMatrix(&cov, z, nil)

		var eig mat.EigenSym
		if !eig.Factorize(&cov, true) {
			return fmt.Errorf("reconstruction model: eigen decomposition failed")
		}
		values := eig.Values(nil)
		var vectors mat.Dense
		eig.VectorsTo(&vectors)

		// Eigenvalues come back ascending; keep the largest until the variance
		// target is met, leaving at least one dimension out.
		total := 0.0
		for _, v := range values {
			total += math.Max(v, 0)
		}
		k, covered := 0, 0.0
		for i := d - 1; i >= 1; i-- {
			k++
			covered += math.Max(values[i], 0)
			if total == 0 || covered/total >= explainedVariance {
				break
			}
		}
		r.components = mat.NewDense(d, k, nil)
		for c := 0; c < k; c++ {
			for j := 0; j < d; j++ {
				r.components.Set(j, c, vectors.At(j, d-1-c))
			}
		}
	}

	errs := r.reconErrors(r.standardize(x))
	r.threshold = Quantile(errs, 1-r.contamination)
	return nil
}

// fitMoments sets the per-column mean and sample standard deviation.
// Constant columns get a unit scale.
func (r *ReconstructionModel) fitMoments(x [][]float64) {
	d := len(x[0])
	r.means = make([]float64, d)
	r.stds = make([]float64, d)
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		r.means[j], r.stds[j] = mean, std
	}
}

// trim returns the rows at or below the (1 - contamination) quantile of the
// standardised squared norm. Fewer than two survivors means no trimming.
func (r *ReconstructionModel) trim(x [][]float64) [][]float64 {
	norms := make([]float64, len(x))
	for i, row := range x {
		for j, v := range row {
			z := (v - r.means[j]) / r.stds[j]
			norms[i] += z * z
		}
	}
	cut := Quantile(norms, 1-r.contamination)
	kept := make([][]float64, 0, len(x))
	for i, row := range x {
		if norms[i] <= cut {
			kept = append(kept, row)
		}
	}
	if len(kept) < 2 {
		return x
	}
	return kept
}

func (r *ReconstructionModel) standardize(x [][]float64) *mat.Dense {
	d := len(r.means)
	z := mat.NewDense(len(x), d, nil)
	for i, row := range x {
		for j := 0; j < d; j++ {
			z.Set(i, j, (row[j]-r.means[j])/r.stds[j])
		}
	}
	return z
}

// reconErrors returns the mean squared reconstruction error per row of z.
func (r *ReconstructionModel) reconErrors(z *mat.Dense) []float64 {
	n, d := z.Dims()
	recon := mat.NewDense(n, d, nil)
	if r.components != nil {
		var codes mat.Dense
		codes.Mul(z, r.components)
		recon.Mul(&codes, r.components.T())
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < d; j++ {
			diff := z.At(i, j) - recon.At(i, j)
			sum += diff * diff
		}
		out[i] = sum / float64(d)
	}
	return out
}

// ReconstructionErrors returns the raw per-row errors.
func (r *ReconstructionModel) ReconstructionErrors(x [][]float64) ([]float64, error) {
	if r.means == nil {
		return nil, ErrNotFitted
	}
	if err := validateMatrix(x, len(r.means)); err != nil {
		return nil, err
	}
	return r.reconErrors(r.standardize(x)), nil
}

// Score returns threshold - error, so lower is more anomalous.
func (r *ReconstructionModel) Score(x [][]float64) ([]float64, error) {
	errs, err := r.ReconstructionErrors(x)
	if err != nil {
		return nil, err
	}
	for i, e := range errs {
		errs[i] = r.threshold - e
	}
	return errs, nil
}

// Label flags rows whose error reaches the threshold.
func (r *ReconstructionModel) Label(x [][]float64) ([]bool, error) {
	errs, err := r.ReconstructionErrors(x)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(errs))
	for i, e := range errs {
		out[i] = e >= r.threshold
	}
	return out, nil
}

// Threshold returns the fitted error cutoff.
func (r *ReconstructionModel) Threshold() float64 { return r.threshold }

// Params implements OutlierModel.
func (r *ReconstructionModel) Params() map[string]interface{} {
	k := 0
	if r.components != nil {
		_, k = r.components.Dims()
	}
	return map[string]interface{}{
		"contamination": r.contamination,
		"components":    k,
		"threshold":     r.threshold,
	}
}

type reconstructionSnapshot struct {
	Contamination float64   `json:"contamination"`
	Means         []float64 `json:"means"`
	Stds          []float64 `json:"stds"`
	Components    int       `json:"components"`
	Weights       []float64 `json:"weights"`
	Threshold     float64   `json:"threshold"`
}

// Snapshot serialises the fitted model.
func (r *ReconstructionModel) Snapshot() ([]byte, error) {
	if r.means == nil {
		return nil, ErrNotFitted
	}
	return json.Marshal(r)
}

// MarshalJSON implements json.Marshaler.
func (r *ReconstructionModel) MarshalJSON() ([]byte, error) {
	s := reconstructionSnapshot{
		Contamination: r.contamination,
		Means:         r.means,
		Stds:          r.stds,
		Threshold:     r.threshold,
	}
	if r.components != nil {
		_, s.Components = r.components.Dims()
		s.Weights = append([]float64(nil), r.components.RawMatrix().Data...)
	}
	return json.Marshal(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ReconstructionModel) UnmarshalJSON(data []byte) error {
	var s reconstructionSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Means) == 0 || len(s.Means) != len(s.Stds) {
		return fmt.Errorf("reconstruction snapshot: %w", ErrNotFitted)
	}
	r.contamination = s.Contamination
	r.means = s.Means
	r.stds = s.Stds
	r.threshold = s.Threshold
	r.components = nil
	if s.Components > 0 {
		if len(s.Weights) != len(s.Means)*s.Components {
			return fmt.Errorf("reconstruction snapshot: weights length %d, want %d", len(s.Weights), len(s.Means)*s.Components)
		}
		r.components = mat.NewDense(len(s.Means), s.Components, s.Weights)
	}
	return nil
}
