package models

import (
	"errors"
	"fmt"
	"time"
)

// DriftVerdict is the outcome of one drift test.
type DriftVerdict struct {
	IsDrift bool    `json:"is_drift"`
	Score   float64 `json:"score"`   // two-sample distance statistic
	PValue  float64 `json:"p_value"` // in [0, 1]
}

// ForecastResult holds the point forecast and interval bounds for one entity.
// All slices are aligned index-for-index with Horizon.
type ForecastResult struct {
	EntityKey EntityKey   `json:"entity_key"`
	Horizon   []time.Time `json:"horizon"`
	Point     []float64   `json:"forecast"`
	Lower     []float64   `json:"lower_ci"`
	Upper     []float64   `json:"upper_ci"`
	Coverage  float64     `json:"coverage"`
}

// Validate checks alignment, interval ordering, and that the horizon starts
// strictly after last.
func (r *ForecastResult) Validate(last time.Time) error {
	n := len(r.Horizon)
	if len(r.Point) != n || len(r.Lower) != n || len(r.Upper) != n {
		return fmt.Errorf("forecast for %s is misaligned: horizon=%d point=%d lower=%d upper=%d",
			r.EntityKey, n, len(r.Point), len(r.Lower), len(r.Upper))
	}
	for i := range n {
		if r.Upper[i] < r.Lower[i] {
			return fmt.Errorf("forecast for %s: upper < lower at index %d", r.EntityKey, i)
		}
		if i == 0 && !r.Horizon[0].After(last) {
			return errors.New("horizon must start after the last observed timestamp")
		}
		if i > 0 && !r.Horizon[i].After(r.Horizon[i-1]) {
			return fmt.Errorf("forecast for %s: horizon not strictly increasing at index %d", r.EntityKey, i)
		}
	}
	return nil
}

// ValidationVerdict is the outcome of the forecast sanity checks.
type ValidationVerdict struct {
	Passed       bool     `json:"passed"`
	FailedChecks []string `json:"failed_checks"`
}

// GoalProjection compares the forecast's first-year total against an annual goal.
type GoalProjection struct {
	Goal       float64 `json:"goal"`
	Projection float64 `json:"projection"`
	Gap        float64 `json:"gap"` // projection - goal; negative is a deficit
}

// Surplus reports whether the projection meets or exceeds the goal.
func (g GoalProjection) Surplus() bool {
	return g.Gap >= 0
}

// BacktestScore holds holdout accuracy of a refit on the history minus its
// trailing Holdout observations, keyed by metric name.
type BacktestScore struct {
	Holdout int                `json:"holdout"`
	Metrics map[string]float64 `json:"metrics"`
}
