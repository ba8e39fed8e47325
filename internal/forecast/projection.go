package forecast

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/vendorcast/internal/models"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AnnualProjection sums the point forecast over the first 365 days of the
// horizon, [horizon[0], horizon[0]+365d). Summation uses decimal arithmetic
// so totals are stable under reordering. A non-finite point inside the window
// has no meaningful total and is reported as an error.
func AnnualProjection(result *models.ForecastResult) (float64, error) {
	if result == nil || len(result.Horizon) == 0 {
		return 0, nil
	}
	end := result.Horizon[0].AddDate(0, 0, 365)

	total := decimal.Zero
	for i, t := range result.Horizon {
		if !t.Before(end) {
			break
		}
		v := result.Point[i]
		if !finite(v) {
			return 0, fmt.Errorf("point forecast at %s is %v", t.Format("2006-01-02"), v)
		}
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.InexactFloat64(), nil
}

// ProjectGoal compares the annual projection against goal.
func ProjectGoal(result *models.ForecastResult, goal float64) (models.GoalProjection, error) {
	if !finite(goal) {
		return models.GoalProjection{}, fmt.Errorf("goal is %v", goal)
	}
	projection, err := AnnualProjection(result)
	if err != nil {
		return models.GoalProjection{}, fmt.Errorf("cannot project goal: %w", err)
	}
	gap := decimal.NewFromFloat(projection).Sub(decimal.NewFromFloat(goal))
	return models.GoalProjection{
		Goal:       goal,
		Projection: projection,
		Gap:        gap.InexactFloat64(),
	}, nil
}

// Cumulative returns the running total of values. Non-finite values do not
// add to the total.
func Cumulative(values []float64) []float64 {
	out := make([]float64, len(values))
	total := decimal.Zero
	for i, v := range values {
		if finite(v) {
			total = total.Add(decimal.NewFromFloat(v))
		}
		out[i] = total.InexactFloat64()
	}
	return out
}
