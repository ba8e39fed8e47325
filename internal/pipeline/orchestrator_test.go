package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/vendorcast/internal/drift"
	"github.com/rewired-gh/vendorcast/internal/forecast"
	"github.com/rewired-gh/vendorcast/internal/models"
	"github.com/rewired-gh/vendorcast/internal/validate"
)

var epoch = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	series  map[models.EntityKey]*models.Series
	goals   map[models.EntityKey]float64
	loadErr error
}

func (f *fakeSource) Load() (map[models.EntityKey]*models.Series, error) {
	return f.series, f.loadErr
}

func (f *fakeSource) LoadGoals() (map[models.EntityKey]float64, error) {
	return f.goals, nil
}

type recordingTracker struct {
	mu      sync.Mutex
	started []string
	logged  []EntityRecord
	ended   int
	err     error
}

func (r *recordingTracker) StartRun(runID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
	return r.err
}

func (r *recordingTracker) LogEntity(rec EntityRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logged = append(r.logged, rec)
	return r.err
}

func (r *recordingTracker) EndRun(*models.RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	return r.err
}

func (r *recordingTracker) keys() []models.EntityKey {
	out := make([]models.EntityKey, len(r.logged))
	for i, rec := range r.logged {
		out[i] = rec.Outcome.Key
	}
	return out
}

type recordingPlotter struct {
	plotted []models.EntityKey
	err     error
}

func (p *recordingPlotter) Plot(rec EntityRecord) (string, error) {
	p.plotted = append(p.plotted, rec.Outcome.Key)
	if p.err != nil {
		return "", p.err
	}
	return "plots/" + string(rec.Outcome.Key) + ".html", nil
}

func makeSeries(t *testing.T, key models.EntityKey, values []float64) *models.Series {
	t.Helper()
	obs := make([]models.Observation, len(values))
	for i, v := range values {
		obs[i] = models.Observation{Timestamp: epoch.AddDate(0, 0, i), Value: v}
	}
	s, err := models.NewSeries(key, obs)
	require.NoError(t, err)
	return s
}

func salesValues(n int, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	values := make([]float64, n)
	for i := range values {
		weekly := 20 * math.Sin(2*math.Pi*float64(i)/7)
		values[i] = math.Max(0, 150+weekly+rng.NormFloat64()*10)
	}
	return values
}

// explodingValues grows so fast in log space that a long horizon overflows.
func explodingValues(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.Expm1(3.5 * float64(i))
	}
	return values
}

func constantValues(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = 75
	}
	return values
}

func newOrchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	mon, err := drift.New(drift.Config{PValue: 0.05, WindowSize: 50, MinReferenceSize: 30, ExcludeWindow: true})
	require.NoError(t, err)
	fc, err := forecast.New(forecast.Config{
		MinObservations:   30,
		Coverage:          0.95,
		YearlySeasonality: true,
		WeeklySeasonality: true,
		YearlyOrder:       4,
		WeeklyOrder:       3,
		Regularization:    0.1,
		Metrics:           []string{forecast.MetricMAE, forecast.MetricRMSE},
		HoldoutSize:       30,
	})
	require.NoError(t, err)

	opts = append([]Option{
		WithRunID(func() string { return "run-1" }),
		WithClock(func() time.Time { return epoch }),
	}, opts...)
	o, err := New(cfg, mon, fc, opts...)
	require.NoError(t, err)
	return o
}

func dataset(t *testing.T, values map[models.EntityKey][]float64) *models.Dataset {
	t.Helper()
	ds := models.NewDataset()
	for key, v := range values {
		ds.Series[key] = makeSeries(t, key, v)
	}
	return ds
}

func TestFitFailureIsIsolated(t *testing.T) {
	values := map[models.EntityKey][]float64{
		"v1": salesValues(300, 1),
		"v2": salesValues(300, 2),
		"v3": constantValues(300),
		"v4": salesValues(300, 4),
	}
	o := newOrchestrator(t, Config{Horizon: 30, Workers: 2})

	result := o.RunDataset(context.Background(), dataset(t, values))

	assert.Equal(t, []models.EntityKey{"v1", "v2", "v3", "v4"}, result.Keys())
	assert.Len(t, result.Outcomes(), 3)
	require.Len(t, result.Failures(), 1)

	failure, ok := result.Failure("v3")
	require.True(t, ok)
	assert.Equal(t, models.StageFit, failure.Stage)
	assert.ErrorIs(t, failure, models.ErrFit)
	assert.Equal(t, models.StatusErrored, result.Status("v3"))

	// Removing the failing entity changes nothing for the others.
	delete(values, "v3")
	clean := newOrchestrator(t, Config{Horizon: 30, Workers: 1}).RunDataset(context.Background(), dataset(t, values))
	for _, key := range []models.EntityKey{"v1", "v2", "v4"} {
		got, ok := result.Outcome(key)
		require.True(t, ok)
		want, ok := clean.Outcome(key)
		require.True(t, ok)
		assert.Equal(t, want.Forecast, got.Forecast, key)
		assert.Equal(t, want.Drift, got.Drift, key)
		assert.Equal(t, want.Validation, got.Validation, key)
	}
}

func TestOutcomeContents(t *testing.T) {
	ds := dataset(t, map[models.EntityKey][]float64{"v1": salesValues(200, 9)})
	ds.Goals["v1"] = 50000

	result := newOrchestrator(t, Config{Horizon: 365}).RunDataset(context.Background(), ds)

	outcome, ok := result.Outcome("v1")
	require.True(t, ok)
	assert.Equal(t, "run-1", result.RunID())
	assert.Equal(t, models.StatusValidated, result.Status("v1"))

	fc := outcome.Forecast
	require.Len(t, fc.Horizon, 365)
	assert.Equal(t, epoch.AddDate(0, 0, 200), fc.Horizon[0])
	assert.Equal(t, epoch.AddDate(0, 0, 564), fc.Horizon[364])
	for i := range fc.Point {
		assert.GreaterOrEqual(t, fc.Upper[i], fc.Lower[i])
	}

	require.NotNil(t, outcome.Goal)
	projection, err := forecast.AnnualProjection(&fc)
	require.NoError(t, err)
	assert.InDelta(t, projection, outcome.Goal.Projection, 1e-9)
	assert.InDelta(t, outcome.Goal.Projection-50000, outcome.Goal.Gap, 1e-6)
	assert.Equal(t, 365, outcome.Params["horizon"])
	assert.Equal(t, []string{}, outcome.Validation.FailedChecks)

	require.NotNil(t, outcome.Backtest)
	assert.Equal(t, 30, outcome.Backtest.Holdout)
	assert.Contains(t, outcome.Backtest.Metrics, forecast.MetricMAE)
	assert.Contains(t, outcome.Backtest.Metrics, forecast.MetricRMSE)
	assert.Equal(t, 30, outcome.Params["holdout_size"])
}

func TestRunSeparatesThreeOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		withGoal bool
	}{
		{"without goals", false},
		{"with goals", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := dataset(t, map[models.EntityKey][]float64{
				"good": salesValues(200, 9),
				"boom": explodingValues(200),
				"flat": constantValues(200),
			})
			if tt.withGoal {
				ds.Goals["good"] = 50000
				ds.Goals["boom"] = 1000
				ds.Goals["flat"] = 1000
			}

			result := newOrchestrator(t, Config{Horizon: 365, Workers: 2}).RunDataset(context.Background(), ds)

			assert.Equal(t, models.StatusValidated, result.Status("good"))
			assert.Equal(t, models.StatusFailedValidation, result.Status("boom"))
			assert.Equal(t, models.StatusErrored, result.Status("flat"))
			assert.Equal(t, []models.EntityKey{"good"}, result.KeysWithStatus(models.StatusValidated))
			assert.Equal(t, []models.EntityKey{"boom"}, result.KeysWithStatus(models.StatusFailedValidation))
			assert.Equal(t, []models.EntityKey{"flat"}, result.KeysWithStatus(models.StatusErrored))

			boom, ok := result.Outcome("boom")
			require.True(t, ok)
			assert.False(t, boom.Validation.Passed)
			assert.Contains(t, boom.Validation.FailedChecks, validate.CheckNoInf)
			assert.Nil(t, boom.Goal, "an unbounded forecast has no annual projection")

			good, ok := result.Outcome("good")
			require.True(t, ok)
			assert.Equal(t, tt.withGoal, good.Goal != nil)

			flat, ok := result.Failure("flat")
			require.True(t, ok)
			assert.Equal(t, models.StageFit, flat.Stage)
		})
	}
}

func TestStagesOfFailure(t *testing.T) {
	ds := dataset(t, map[models.EntityKey][]float64{
		"short": salesValues(60, 1), // reference of 10 < 30
	})
	ds.Series["empty"] = &models.Series{Key: "empty"}

	result := newOrchestrator(t, Config{Horizon: 10}).RunDataset(context.Background(), ds)

	short, ok := result.Failure("short")
	require.True(t, ok)
	assert.Equal(t, models.StageReference, short.Stage)
	assert.ErrorIs(t, short, models.ErrInsufficientData)

	empty, ok := result.Failure("empty")
	require.True(t, ok)
	assert.Equal(t, models.StageExtract, empty.Stage)
}

func TestSinksSeeEntitiesInOrder(t *testing.T) {
	tracker := &recordingTracker{}
	plotter := &recordingPlotter{}
	values := map[models.EntityKey][]float64{}
	for i, key := range []models.EntityKey{"e", "c", "a", "d", "b"} {
		values[key] = salesValues(150, uint64(i+10))
	}

	o := newOrchestrator(t, Config{Horizon: 14, Workers: 4}, WithTracker(tracker), WithPlotter(plotter))
	result := o.RunDataset(context.Background(), dataset(t, values))

	want := []models.EntityKey{"a", "b", "c", "d", "e"}
	assert.Equal(t, want, tracker.keys())
	assert.Equal(t, want, plotter.plotted)
	assert.Equal(t, []string{"run-1"}, tracker.started)
	assert.Equal(t, 1, tracker.ended)

	outcome, ok := result.Outcome("a")
	require.True(t, ok)
	assert.Equal(t, []string{"plots/a.html"}, outcome.Artifacts)
	assert.Equal(t, []string{"plots/a.html"}, tracker.logged[0].Outcome.Artifacts)
}

func TestSinkFailuresDoNotAbort(t *testing.T) {
	tracker := &recordingTracker{err: errors.New("disk full")}
	plotter := &recordingPlotter{err: errors.New("render failed")}
	ds := dataset(t, map[models.EntityKey][]float64{"v1": salesValues(150, 3), "v2": salesValues(150, 4)})

	o := newOrchestrator(t, Config{Horizon: 7}, WithTracker(tracker), WithPlotter(plotter))
	result := o.RunDataset(context.Background(), ds)

	assert.Len(t, result.Outcomes(), 2)
	assert.Empty(t, result.Failures())
	outcome, _ := result.Outcome("v1")
	assert.Empty(t, outcome.Artifacts)
}

type panickingTracker struct{ NopTracker }

func (panickingTracker) LogEntity(EntityRecord) error { panic("tracker exploded") }
func (panickingTracker) EndRun(*models.RunResult) error { panic("tracker exploded") }

type panickingPlotter struct{}

func (panickingPlotter) Plot(EntityRecord) (string, error) { panic("plotter exploded") }

func TestSinkPanicsDoNotAbort(t *testing.T) {
	ds := dataset(t, map[models.EntityKey][]float64{"v1": salesValues(150, 3), "v2": salesValues(150, 4)})

	o := newOrchestrator(t, Config{Horizon: 7}, WithTracker(panickingTracker{}), WithPlotter(panickingPlotter{}))
	var result *models.RunResult
	require.NotPanics(t, func() { result = o.RunDataset(context.Background(), ds) })

	assert.Len(t, result.Outcomes(), 2)
	assert.Empty(t, result.Failures())
	for _, key := range result.Keys() {
		assert.Equal(t, models.StatusValidated, result.Status(key))
		outcome, _ := result.Outcome(key)
		assert.Empty(t, outcome.Artifacts)
	}
}

func TestGuard(t *testing.T) {
	assert.NoError(t, guard(func() error { return nil }))
	assert.EqualError(t, guard(func() error { return errors.New("boom") }), "boom")
	assert.EqualError(t, guard(func() error { panic("kaboom") }), "panic: kaboom")
}

func TestPlotConditionalOnValidation(t *testing.T) {
	failed := models.EntityOutcome{Key: "v1", Validation: models.ValidationVerdict{Passed: false, FailedChecks: []string{"Positive values"}}}

	tests := []struct {
		name     string
		onFailed bool
		plotted  int
	}{
		{"skipped by default", false, 0},
		{"plotted when enabled", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plotter := &recordingPlotter{}
			tracker := &recordingTracker{}
			o := newOrchestrator(t, Config{Horizon: 7, PlotOnFailedValidation: tt.onFailed},
				WithPlotter(plotter), WithTracker(tracker))

			outcome := failed
			o.publish("run-1", nil, &outcome)

			assert.Len(t, plotter.plotted, tt.plotted)
			assert.Len(t, tracker.logged, 1, "failed validations are still tracked")
		})
	}
}

func TestCancelledRunSkipsEntities(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ds := dataset(t, map[models.EntityKey][]float64{"v1": salesValues(150, 1), "v2": salesValues(150, 2)})
	result := newOrchestrator(t, Config{Horizon: 7}).RunDataset(ctx, ds)

	require.Len(t, result.Failures(), 2)
	for _, f := range result.Failures() {
		assert.Equal(t, models.StageSkipped, f.Stage)
		assert.ErrorIs(t, f, context.Canceled)
	}
}

func TestRunFromSource(t *testing.T) {
	src := &fakeSource{
		series: map[models.EntityKey]*models.Series{"v1": makeSeries(t, "v1", salesValues(150, 5))},
		goals:  map[models.EntityKey]float64{"v1": 1000},
	}
	result, err := newOrchestrator(t, Config{Horizon: 7}).Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []models.EntityKey{"v1"}, result.Keys())

	_, err = newOrchestrator(t, Config{Horizon: 7}).Run(context.Background(), &fakeSource{loadErr: errors.New("boom")})
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	mon, err := drift.New(drift.Config{PValue: 0.05, WindowSize: 10})
	require.NoError(t, err)
	fc, err := forecast.New(forecast.Config{Coverage: 0.9})
	require.NoError(t, err)

	_, err = New(Config{Horizon: 0}, mon, fc)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(Config{Horizon: 1, Workers: -1}, mon, fc)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(Config{Horizon: 1}, nil, fc)
	assert.Error(t, err)
}
