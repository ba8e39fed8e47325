package forecast

import (
	"math"
	"time"
)

const (
	yearlyPeriodDays = 365.25
	weeklyPeriodDays = 7.0
	secondsPerDay    = 86400.0
)

// featureSet describes the regression design: intercept, linear trend on a
// scaled time axis, and optional Fourier seasonal terms.
type featureSet struct {
	Origin      time.Time `json:"origin"`
	SpanDays    float64   `json:"span_days"`
	YearlyOrder int       `json:"yearly_order"` // 0 disables yearly seasonality
	WeeklyOrder int       `json:"weekly_order"` // 0 disables weekly seasonality
}

// width returns the number of design columns.
func (f featureSet) width() int {
	return 2 + 2*f.YearlyOrder + 2*f.WeeklyOrder
}

// row fills dst with the design row for t. dst must have width() elements.
func (f featureSet) row(t time.Time, dst []float64) {
	dst[0] = 1
	dst[1] = t.Sub(f.Origin).Hours() / 24 / f.SpanDays

	// Seasonal phase uses absolute days so terms line up with the calendar.
	abs := float64(t.Unix()) / secondsPerDay
	col := 2
	col = fourier(abs, yearlyPeriodDays, f.YearlyOrder, dst, col)
	fourier(abs, weeklyPeriodDays, f.WeeklyOrder, dst, col)
}

func fourier(days, period float64, order int, dst []float64, col int) int {
	for k := 1; k <= order; k++ {
		angle := 2 * math.Pi * float64(k) * days / period
		dst[col] = math.Sin(angle)
		dst[col+1] = math.Cos(angle)
		col += 2
	}
	return col
}
