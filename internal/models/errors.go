package models

import (
	"errors"
	"fmt"
)

// Sentinel errors. Each concrete error type below unwraps to one of these.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrFit              = errors.New("fit failed")
	ErrPredict          = errors.New("predict failed")
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrConfiguration    = errors.New("invalid configuration")
)

// InsufficientDataError reports a series too short for a reference, window, or fit.
type InsufficientDataError struct {
	What string
	Need int
	Have int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d observations, have %d", e.What, e.Need, e.Have)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// FitError reports a degenerate series or a failed model fit.
type FitError struct {
	Reason string
	Err    error
}

func (e *FitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fit failed: %s: %v", e.Reason, e.Err)
	}
	return "fit failed: " + e.Reason
}

func (e *FitError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFit, e.Err}
	}
	return []error{ErrFit}
}

// PredictError reports an unfit model or a malformed horizon.
type PredictError struct {
	Reason string
}

func (e *PredictError) Error() string { return "predict failed: " + e.Reason }

func (e *PredictError) Unwrap() error { return ErrPredict }

// ShapeMismatchError reports validator inputs of inconsistent length.
type ShapeMismatchError struct {
	Point int
	Lower int
	Upper int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: point=%d lower=%d upper=%d", e.Point, e.Lower, e.Upper)
}

func (e *ShapeMismatchError) Unwrap() error { return ErrShapeMismatch }

// ConfigurationError reports a missing or invalid configuration key. It is
// the only error allowed to abort a run before any entity is processed.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
