// Package validate applies a fixed battery of sanity checks to a forecast
// before it can be published.
package validate

import (
	"math"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Check names, in evaluation order.
const (
	CheckNoNaN    = "No NaN values"
	CheckNoInf    = "No infinite values"
	CheckPositive = "Positive values"
	CheckValidCIs = "Valid CIs"
	CheckNonEmpty = "Non-empty"
)

type predicate func(point, lower, upper []float64) bool

type check struct {
	name string
	pass predicate
}

// checks runs in this order; every check is evaluated on every call.
var checks = []check{
	{CheckNoNaN, noNaN},
	{CheckNoInf, noInf},
	{CheckPositive, nonNegative},
	{CheckValidCIs, validIntervals},
	{CheckNonEmpty, nonEmpty},
}

// Names returns the check names in evaluation order.
func Names() []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.name
	}
	return names
}

// Validate runs every check and reports the failures in fixed order. It fails
// only when the three inputs differ in length.
func Validate(point, lower, upper []float64) (models.ValidationVerdict, error) {
	if len(point) != len(lower) || len(point) != len(upper) {
		return models.ValidationVerdict{}, &models.ShapeMismatchError{
			Point: len(point),
			Lower: len(lower),
			Upper: len(upper),
		}
	}

	failed := []string{}
	for _, c := range checks {
		if !c.pass(point, lower, upper) {
			failed = append(failed, c.name)
		}
	}
	return models.ValidationVerdict{Passed: len(failed) == 0, FailedChecks: failed}, nil
}

func noNaN(point, _, _ []float64) bool {
	for _, v := range point {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

func noInf(point, _, _ []float64) bool {
	for _, v := range point {
		if math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// nonNegative compares the minimum of the non-NaN values against zero.
// NaN values are reported by noNaN alone.
func nonNegative(point, _, _ []float64) bool {
	for _, v := range point {
		if v < 0 {
			return false
		}
	}
	return true
}

// validIntervals fails on NaN bounds since the comparison is false.
func validIntervals(_, lower, upper []float64) bool {
	for i := range lower {
		if !(upper[i] >= lower[i]) {
			return false
		}
	}
	return true
}

func nonEmpty(point, _, _ []float64) bool {
	return len(point) > 0
}
