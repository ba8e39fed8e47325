// Package forecast fits a per-entity seasonal regression and produces point
// forecasts with two-sided prediction intervals.
//
// The model works on y' = log1p(y):
//
//	y'(t) = b0 + b1·trend(t) + Σ yearly Fourier terms + Σ weekly Fourier terms
//
// Coefficients are estimated by ridge-regularized least squares (the intercept
// is not penalized). The interval in transformed space is
//
//	ŷ' ± z·σ·sqrt(1 + k/n)
//
// for the k-th step ahead, where σ is the residual scale and z the normal
// quantile for the configured coverage. Outputs are mapped back with expm1,
// floored at zero, and re-ordered so lower ≤ point ≤ upper always holds.
package forecast

import (
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// SeasonalityAdditive is the only supported seasonality mode.
const SeasonalityAdditive = "additive"

// Config holds the model settings.
type Config struct {
	MinObservations   int
	Coverage          float64
	SeasonalityMode   string
	YearlySeasonality bool
	WeeklySeasonality bool
	DailySeasonality  bool // accepted for parity with the tracked params; daily data has no intra-day cycle
	YearlyOrder       int
	WeeklyOrder       int
	Regularization    float64
	Metrics           []string // scored by Backtest
	HoldoutSize       int      // trailing observations held out by Backtest
}

// Forecaster fits and predicts. It holds no per-entity state and is safe for
// concurrent use.
type Forecaster struct {
	cfg Config
	z   float64
}

// New creates a new Forecaster.
func New(cfg Config) (*Forecaster, error) {
	if cfg.Coverage <= 0 || cfg.Coverage >= 1 {
		return nil, fmt.Errorf("invalid coverage %v: must be in (0, 1)", cfg.Coverage)
	}
	if cfg.SeasonalityMode == "" {
		cfg.SeasonalityMode = SeasonalityAdditive
	}
	if cfg.SeasonalityMode != SeasonalityAdditive {
		return nil, fmt.Errorf("unsupported seasonality mode %q", cfg.SeasonalityMode)
	}
	if cfg.MinObservations < 2 {
		cfg.MinObservations = 2
	}
	if cfg.Regularization < 0 {
		return nil, fmt.Errorf("invalid regularization %v: must not be negative", cfg.Regularization)
	}
	for _, name := range cfg.Metrics {
		if !IsMetric(name) {
			return nil, fmt.Errorf("unsupported metric %q", name)
		}
	}
	if cfg.HoldoutSize <= 0 {
		cfg.HoldoutSize = DefaultHoldoutSize
	}
	return &Forecaster{
		cfg: cfg,
		z:   distuv.UnitNormal.Quantile((1 + cfg.Coverage) / 2),
	}, nil
}

// Coverage returns the configured interval coverage.
func (f *Forecaster) Coverage() float64 { return f.cfg.Coverage }

// Model is a fitted per-entity model.
type Model struct {
	key      models.EntityKey
	features featureSet
	coef     []float64
	sigma    float64
	n        int
	last     time.Time
	freq     time.Duration
	fitted   bool
}

// Last returns the last timestamp of the fitted series.
func (m *Model) Last() time.Time { return m.last }

// Frequency returns the native frequency of the fitted series.
func (m *Model) Frequency() time.Duration { return m.freq }

// Sigma returns the residual scale in transformed space.
func (m *Model) Sigma() float64 { return m.sigma }

// Params returns the model parameters for experiment tracking.
func (f *Forecaster) Params(m *Model) map[string]any {
	params := map[string]any{
		"seasonality_mode":   f.cfg.SeasonalityMode,
		"yearly_seasonality": f.cfg.YearlySeasonality,
		"weekly_seasonality": f.cfg.WeeklySeasonality,
		"daily_seasonality":  f.cfg.DailySeasonality,
		"yearly_order":       f.cfg.YearlyOrder,
		"weekly_order":       f.cfg.WeeklyOrder,
		"regularization":     f.cfg.Regularization,
		"coverage":           f.cfg.Coverage,
		"transform":          "log1p",
	}
	if len(f.cfg.Metrics) > 0 {
		params["metrics"] = slices.Clone(f.cfg.Metrics)
		params["holdout_size"] = f.cfg.HoldoutSize
	}
	if m != nil && m.fitted {
		params["n_observations"] = m.n
		params["sigma"] = m.sigma
		params["frequency"] = m.freq.String()
	}
	return params
}

// Fit estimates the model from the full history of series.
func (f *Forecaster) Fit(series *models.Series) (*Model, error) {
	n := series.Len()
	if n < f.cfg.MinObservations {
		return nil, &models.FitError{
			Reason: "too few observations",
			Err:    &models.InsufficientDataError{What: "model fit", Need: f.cfg.MinObservations, Have: n},
		}
	}
	if series.DistinctValues(2) < 2 {
		return nil, &models.FitError{Reason: "degenerate series: only one distinct value"}
	}

	y := make([]float64, n)
	for i, o := range series.Observations {
		if o.Value < 0 {
			return nil, &models.FitError{Reason: fmt.Sprintf("negative value %v at %s cannot be log-transformed",
				o.Value, o.Timestamp.Format(time.RFC3339))}
		}
		y[i] = math.Log1p(o.Value)
	}

	first := series.Observations[0].Timestamp
	span := series.Last().Sub(first).Hours() / 24
	features := featureSet{Origin: first, SpanDays: math.Max(span, 1)}
	if f.cfg.YearlySeasonality {
		features.YearlyOrder = f.cfg.YearlyOrder
	}
	if f.cfg.WeeklySeasonality {
		features.WeeklyOrder = f.cfg.WeeklyOrder
	}

	p := features.width()
	data := make([]float64, n*p)
	for i, o := range series.Observations {
		features.row(o.Timestamp, data[i*p:(i+1)*p])
	}
	x := mat.NewDense(n, p, data)
	yv := mat.NewVecDense(n, y)

	coef, err := solveRidge(x, yv, f.cfg.Regularization*float64(n))
	if err != nil {
		return nil, &models.FitError{Reason: "least squares solve", Err: err}
	}

	var fitted mat.VecDense
	fitted.MulVec(x, coef)
	var ssr float64
	for i := range n {
		r := y[i] - fitted.AtVec(i)
		ssr += r * r
	}
	dof := n - p
	if dof < 1 {
		dof = n
	}
	sigma := math.Sqrt(ssr / float64(dof))
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return nil, &models.FitError{Reason: "residual scale is not finite"}
	}

	return &Model{
		key:      series.Key,
		features: features,
		coef:     coef.RawVector().Data,
		sigma:    sigma,
		n:        n,
		last:     series.Last(),
		freq:     series.Frequency(),
		fitted:   true,
	}, nil
}

// solveRidge solves (XᵀX + λ·D)β = Xᵀy where D is the identity with the
// intercept entry zeroed.
func solveRidge(x *mat.Dense, y *mat.VecDense, lambda float64) (*mat.VecDense, error) {
	_, p := x.Dims()

	var xtx mat.Dense
	xtx.Mul(x.T(), x)

	a := mat.NewSymDense(p, nil)
	for i := range p {
		for j := i; j < p; j++ {
			v := xtx.At(i, j)
			if i == j && i > 0 {
				v += lambda
			}
			a.SetSym(i, j, v)
		}
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("normal equations are not positive definite")
	}

	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, err
	}
	return &beta, nil
}

// Predict returns the point forecast and interval bounds at the configured
// coverage, aligned index-for-index with horizon. The horizon must start one
// period after the fitted series' last timestamp and advance by exactly one
// period per step.
func (f *Forecaster) Predict(m *Model, horizon []time.Time) (point, lower, upper []float64, err error) {
	if m == nil || !m.fitted {
		return nil, nil, nil, &models.PredictError{Reason: "model was not fit"}
	}
	if len(horizon) == 0 {
		return nil, nil, nil, &models.PredictError{Reason: "horizon is empty"}
	}
	for i, t := range horizon {
		if !t.Equal(advance(m.last, m.freq, i+1)) {
			if i > 0 && !t.After(horizon[i-1]) {
				return nil, nil, nil, &models.PredictError{Reason: fmt.Sprintf("horizon is not strictly increasing at index %d", i)}
			}
			return nil, nil, nil, &models.PredictError{Reason: fmt.Sprintf(
				"horizon index %d is %s, expected %s (one %s period after the previous)",
				i, t.Format(time.RFC3339), advance(m.last, m.freq, i+1).Format(time.RFC3339), m.freq)}
		}
	}

	point = make([]float64, len(horizon))
	lower = make([]float64, len(horizon))
	upper = make([]float64, len(horizon))

	for i, t := range horizon {
		yhat := m.pointAt(t)
		half := f.z * m.sigma * math.Sqrt(1+float64(i+1)/float64(m.n))
		point[i], lower[i], upper[i] = backTransform(yhat, yhat-half, yhat+half)
	}
	return point, lower, upper, nil
}

// pointAt returns the fitted value at t in transformed space.
func (m *Model) pointAt(t time.Time) float64 {
	row := make([]float64, m.features.width())
	m.features.row(t, row)
	var yhat float64
	for j, c := range m.coef {
		yhat += c * row[j]
	}
	return yhat
}

// backTransform maps transformed-space values to the original scale. Endpoints
// are floored at zero and re-ordered, and the point is clamped into the
// resulting interval.
func backTransform(yhat, lo, hi float64) (point, lower, upper float64) {
	point = math.Max(0, math.Expm1(yhat))
	lower = math.Max(0, math.Expm1(lo))
	upper = math.Max(0, math.Expm1(hi))

	if lower > upper {
		lower, upper = upper, lower
	}
	point = math.Max(lower, math.Min(point, upper))
	return point, lower, upper
}
