// Package analytics holds the error conditions shared by the analytics
// components. Callers compare with errors.Is.
package analytics

import "errors"

var (
	// ErrInsufficientData is a soft condition: too little input to fit a model.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrModelFit is a hard failure while estimating model parameters.
	ErrModelFit = errors.New("model fit failed")
)
