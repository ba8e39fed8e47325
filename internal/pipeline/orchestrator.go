// Package pipeline runs the per-entity forecasting loop.
//
// A run has three phases: Init loads the dataset and fixes the sorted entity
// order, the loop processes every entity, and Finalize seals the RunResult.
// Entity computation runs on a bounded worker pool; each worker writes only
// its own result slot. Results are then recorded and handed to sinks
// sequentially in entity order, so side effects are reproducible regardless
// of the worker count.
package pipeline

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/vendorcast/internal/drift"
	"github.com/rewired-gh/vendorcast/internal/forecast"
	"github.com/rewired-gh/vendorcast/internal/logger"
	"github.com/rewired-gh/vendorcast/internal/models"
	"github.com/rewired-gh/vendorcast/internal/validate"
)

// Source supplies the dataset at Init.
type Source interface {
	Load() (map[models.EntityKey]*models.Series, error)
	LoadGoals() (map[models.EntityKey]float64, error)
}

// Config holds orchestrator settings.
type Config struct {
	Horizon                int  // periods to forecast at native frequency
	Workers                int  // worker pool size; 0 uses runtime.NumCPU()
	PlotOnFailedValidation bool // render plots for forecasts that failed validation
}

// Orchestrator runs the per-entity loop.
type Orchestrator struct {
	cfg        Config
	monitor    *drift.Monitor
	forecaster *forecast.Forecaster
	tracker    Tracker
	plotter    Plotter
	now        func() time.Time
	newRunID   func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTracker sets the experiment tracking sink.
func WithTracker(t Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithPlotter sets the plotting sink.
func WithPlotter(p Plotter) Option {
	return func(o *Orchestrator) { o.plotter = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunID overrides run ID generation.
func WithRunID(f func() string) Option {
	return func(o *Orchestrator) { o.newRunID = f }
}

// New creates a new Orchestrator.
func New(cfg Config, monitor *drift.Monitor, forecaster *forecast.Forecaster, opts ...Option) (*Orchestrator, error) {
	if cfg.Horizon < 1 {
		return nil, &models.ConfigurationError{Key: "forecasting.horizon", Reason: "must be at least 1"}
	}
	if cfg.Workers < 0 {
		return nil, &models.ConfigurationError{Key: "pipeline.workers", Reason: "must not be negative"}
	}
	if monitor == nil || forecaster == nil {
		return nil, fmt.Errorf("drift monitor and forecaster are required")
	}

	o := &Orchestrator{
		cfg:        cfg,
		monitor:    monitor,
		forecaster: forecaster,
		tracker:    NopTracker{},
		plotter:    NopPlotter{},
		now:        time.Now,
		newRunID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// entityResult is one worker's output slot.
type entityResult struct {
	outcome *models.EntityOutcome
	failure *models.EntityFailure
	series  *models.Series
}

// Run loads the dataset from src and processes every entity. It returns an
// error only when Init fails; per-entity failures are recorded in the result.
// Cancelling ctx skips entities that have not started yet.
func (o *Orchestrator) Run(ctx context.Context, src Source) (*models.RunResult, error) {
	series, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load series: %w", err)
	}
	goals, err := src.LoadGoals()
	if err != nil {
		return nil, fmt.Errorf("failed to load goals: %w", err)
	}

	ds := models.NewDataset()
	maps.Copy(ds.Series, series)
	maps.Copy(ds.Goals, goals)
	return o.RunDataset(ctx, ds), nil
}

// RunDataset processes every entity of ds in sorted key order.
func (o *Orchestrator) RunDataset(ctx context.Context, ds *models.Dataset) *models.RunResult {
	runID := o.newRunID()
	startedAt := o.now()
	keys := ds.Keys()
	builder := models.NewRunBuilder(runID, keys, startedAt)

	log := logger.WithFields(logger.Fields{"run_id": runID})
	log.Infof("Starting run over %d entities (horizon: %d, workers: %d)", len(keys), o.cfg.Horizon, o.workers())

	if err := guard(func() error { return o.tracker.StartRun(runID, startedAt) }); err != nil {
		log.Warnf("Tracker failed to start run: %v", err)
	}

	results := o.compute(ctx, ds, keys)

	for i, key := range keys {
		res := results[i]
		if res.failure != nil {
			logger.WithFields(logger.Fields{"run_id": runID, "entity": key, "stage": res.failure.Stage}).
				Warnf("Entity failed: %v", res.failure.Err)
			if err := builder.Fail(*res.failure); err != nil {
				log.Errorf("Failed to record failure for %s: %v", key, err)
			}
			continue
		}

		outcome := *res.outcome
		o.publish(runID, res.series, &outcome)
		if err := builder.Record(outcome); err != nil {
			log.Errorf("Failed to record outcome for %s: %v", key, err)
		}
	}

	result := builder.Finalize(o.now())
	if err := guard(func() error { return o.tracker.EndRun(result) }); err != nil {
		log.Warnf("Tracker failed to end run: %v", err)
	}

	counts := result.Counts()
	log.Infof("Run finished in %v: %d validated, %d failed validation, %d errored",
		result.FinishedAt().Sub(result.StartedAt()).Round(time.Millisecond),
		counts[models.StatusValidated], counts[models.StatusFailedValidation], counts[models.StatusErrored])
	return result
}

func (o *Orchestrator) workers() int {
	if o.cfg.Workers > 0 {
		return o.cfg.Workers
	}
	return runtime.NumCPU()
}

// compute runs the per-entity steps on the worker pool. Slot i belongs to keys[i].
func (o *Orchestrator) compute(ctx context.Context, ds *models.Dataset, keys []models.EntityKey) []entityResult {
	results := make([]entityResult, len(keys))

	var g errgroup.Group
	g.SetLimit(o.workers())

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			results[i] = skipped(key, err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = skipped(key, err)
				return nil
			}
			results[i] = o.processEntity(ds, key)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return results
}

func skipped(key models.EntityKey, err error) entityResult {
	return entityResult{failure: &models.EntityFailure{Key: key, Stage: models.StageSkipped, Err: err}}
}

// processEntity runs steps a through f for one entity. Any error or panic is
// converted into a failure for the stage it occurred in.
func (o *Orchestrator) processEntity(ds *models.Dataset, key models.EntityKey) (res entityResult) {
	start := time.Now()
	stage := models.StageExtract

	fail := func(err error) entityResult {
		return entityResult{failure: &models.EntityFailure{Key: key, Stage: stage, Err: err}}
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	// a. extract
	series, ok := ds.Series[key]
	if !ok || series == nil || series.Len() == 0 {
		return fail(&models.InsufficientDataError{What: "series", Need: 1, Have: 0})
	}

	// b. reference
	stage = models.StageReference
	ref, err := o.monitor.BuildReference(series)
	if err != nil {
		return fail(err)
	}

	// c. fit and horizon
	stage = models.StageFit
	model, err := o.forecaster.Fit(series)
	if err != nil {
		return fail(err)
	}
	horizon := forecast.Horizon(model.Last(), o.cfg.Horizon, model.Frequency())

	// d. drift
	stage = models.StageDrift
	recent, err := o.monitor.RecentWindow(series)
	if err != nil {
		return fail(err)
	}
	verdict, err := o.monitor.TestDrift(ref, recent)
	if err != nil {
		return fail(err)
	}

	// e. predict
	stage = models.StagePredict
	point, lower, upper, err := o.forecaster.Predict(model, horizon)
	if err != nil {
		return fail(err)
	}
	result := models.ForecastResult{
		EntityKey: key,
		Horizon:   horizon,
		Point:     point,
		Lower:     lower,
		Upper:     upper,
		Coverage:  o.forecaster.Coverage(),
	}

	// f. validate
	stage = models.StageValidate
	validation, err := validate.Validate(point, lower, upper)
	if err != nil {
		return fail(err)
	}
	if err := result.Validate(series.Last()); err != nil {
		return fail(err)
	}

	params := o.forecaster.Params(model)
	params["horizon"] = o.cfg.Horizon

	outcome := &models.EntityOutcome{
		Key:        key,
		Forecast:   result,
		Drift:      verdict,
		Validation: validation,
		Params:     params,
	}
	log := logger.WithFields(logger.Fields{"entity": key})

	// Projection and backtest enrich the outcome; their failures leave the
	// verdicts untouched.
	if goal, ok := ds.Goal(key); ok {
		if projection, err := forecast.ProjectGoal(&result, goal); err != nil {
			log.Warnf("Skipping goal projection: %v", err)
		} else {
			outcome.Goal = &projection
		}
	}
	var score *models.BacktestScore
	if err := guard(func() (err error) {
		score, err = o.forecaster.Backtest(series)
		return err
	}); err != nil {
		log.Warnf("Skipping backtest: %v", err)
	} else {
		outcome.Backtest = score
	}
	outcome.Duration = time.Since(start)

	log.Debugf(
		"Processed in %v (drift: %v, p=%.4g, D=%.4f, validation passed: %v)",
		outcome.Duration.Round(time.Millisecond), verdict.IsDrift, verdict.PValue, verdict.Score, validation.Passed)

	return entityResult{outcome: outcome, series: series}
}

// publish hands one outcome to the sinks. Plots are attached as artifacts
// before the tracker sees the record. A failing or panicking sink is logged
// and never affects the outcome's status.
func (o *Orchestrator) publish(runID string, series *models.Series, outcome *models.EntityOutcome) {
	log := logger.WithFields(logger.Fields{"run_id": runID, "entity": outcome.Key})

	if outcome.Validation.Passed || o.cfg.PlotOnFailedValidation {
		var path string
		err := guard(func() (err error) {
			path, err = o.plotter.Plot(EntityRecord{RunID: runID, Series: series, Outcome: *outcome})
			return err
		})
		if err != nil {
			log.Warnf("Failed to plot forecast: %v", err)
		} else if path != "" {
			outcome.Artifacts = append(outcome.Artifacts, path)
		}
	}

	err := guard(func() error {
		return o.tracker.LogEntity(EntityRecord{RunID: runID, Series: series, Outcome: *outcome})
	})
	if err != nil {
		log.Warnf("Failed to track entity: %v", err)
	}
}

// guard runs call and converts a panic into an error.
func guard(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call()
}
