// Package ml contains the unsupervised outlier models used by the anomaly
// detector and the evaluation harness.
package ml

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Model variants.
const (
	VariantIsolationForest = "isolation_forest"
	VariantReconstruction  = "reconstruction"
)

// DefaultSeed makes fits reproducible across runs.
const DefaultSeed int64 = 42

var (
	// ErrNotFitted is returned when scoring with an untrained model.
	ErrNotFitted = errors.New("model not fitted")
	// ErrEmptyInput is returned when fitting on no rows.
	ErrEmptyInput = errors.New("empty input")
	// ErrUnknownVariant is returned for an unsupported model family.
	ErrUnknownVariant = errors.New("unknown model variant")
	// ErrInvalidContamination is returned when contamination is outside (0, 0.5).
	ErrInvalidContamination = errors.New("contamination must be in (0, 0.5)")
)

// OutlierModel is the capability every detector model offers.
//
// Score returns decision values: lower means more anomalous and a negative
// value marks an outlier at the configured contamination. Label returns the
// outlier flags and is consistent with Score.
type OutlierModel interface {
	Fit(x [][]float64) error
	Score(x [][]float64) ([]float64, error)
	Label(x [][]float64) ([]bool, error)
	Variant() string
	Params() map[string]interface{}
	Snapshot() ([]byte, error)
}

// New builds an unfitted model of the given variant.
func New(variant string, contamination float64, seed int64) (OutlierModel, error) {
	if contamination <= 0 || contamination >= 0.5 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidContamination, contamination)
	}
	switch variant {
	case "", VariantIsolationForest:
		return NewIsolationForest(IsolationForestConfig{Contamination: contamination, Seed: seed}), nil
	case VariantReconstruction:
		return NewReconstructionModel(contamination), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

// Load restores a fitted model from a snapshot produced by Snapshot.
func Load(variant string, snapshot []byte) (OutlierModel, error) {
	switch variant {
	case "", VariantIsolationForest:
		f := &IsolationForest{}
		if err := json.Unmarshal(snapshot, f); err != nil {
			return nil, fmt.Errorf("decode isolation forest: %w", err)
		}
		return f, nil
	case VariantReconstruction:
		r := &ReconstructionModel{}
		if err := json.Unmarshal(snapshot, r); err != nil {
			return nil, fmt.Errorf("decode reconstruction model: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

func validateMatrix(x [][]float64, width int) error {
	if len(x) == 0 {
		return ErrEmptyInput
	}
	for i, row := range x {
		if width >= 0 && len(row) != width {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}
	return nil
}
