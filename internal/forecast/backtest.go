package forecast

import (
	"fmt"
	"math"
	"slices"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Accuracy metrics computed by Backtest.
const (
	MetricMAE  = "mae"
	MetricRMSE = "rmse"
)

// DefaultHoldoutSize is the number of trailing observations held out when
// Config.HoldoutSize is not set.
const DefaultHoldoutSize = 50

// SupportedMetrics returns the metric names Backtest understands.
func SupportedMetrics() []string {
	return []string{MetricMAE, MetricRMSE}
}

// IsMetric reports whether name is a supported metric.
func IsMetric(name string) bool {
	return slices.Contains(SupportedMetrics(), name)
}

// Backtest refits on the series minus its trailing holdout and scores the
// point forecast against the held-out observations in the original scale.
// It returns nil when no metrics are configured.
func (f *Forecaster) Backtest(series *models.Series) (*models.BacktestScore, error) {
	if len(f.cfg.Metrics) == 0 {
		return nil, nil
	}

	k := f.cfg.HoldoutSize
	n := series.Len()
	if n-k < f.cfg.MinObservations {
		return nil, &models.InsufficientDataError{What: "backtest training set", Need: f.cfg.MinObservations + k, Have: n}
	}

	model, err := f.Fit(series.Head(n - k))
	if err != nil {
		return nil, fmt.Errorf("backtest fit: %w", err)
	}

	test := series.Tail(k)
	actual := test.Values()
	predicted := make([]float64, k)
	for i, t := range test.Timestamps() {
		predicted[i] = math.Max(0, math.Expm1(model.pointAt(t)))
	}

	score := &models.BacktestScore{Holdout: k, Metrics: make(map[string]float64, len(f.cfg.Metrics))}
	for _, name := range f.cfg.Metrics {
		v, err := evaluate(name, actual, predicted)
		if err != nil {
			return nil, err
		}
		if !finite(v) {
			return nil, fmt.Errorf("backtest %s is %v", name, v)
		}
		score.Metrics[name] = v
	}
	return score, nil
}

func evaluate(name string, actual, predicted []float64) (float64, error) {
	switch name {
	case MetricMAE:
		return MeanAbsoluteError(actual, predicted), nil
	case MetricRMSE:
		return RootMeanSquaredError(actual, predicted), nil
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
}

// MeanAbsoluteError returns mean(|actual - predicted|).
func MeanAbsoluteError(actual, predicted []float64) float64 {
	var sum float64
	for i := range actual {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(len(actual))
}

// RootMeanSquaredError returns sqrt(mean((actual - predicted)²)).
func RootMeanSquaredError(actual, predicted []float64) float64 {
	var sum float64
	for i := range actual {
		d := actual[i] - predicted[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(actual)))
}
