package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Status classifies how processing ended for one entity.
type Status int

const (
	// StatusUnknown is returned for keys that were not part of the run.
	StatusUnknown Status = iota
	// StatusValidated means a forecast was produced and every check passed.
	StatusValidated
	// StatusFailedValidation means a forecast was produced but at least one check failed.
	StatusFailedValidation
	// StatusErrored means processing failed before a forecast could be validated.
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusValidated:
		return "validated"
	case StatusFailedValidation:
		return "failed_validation"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Processing stages recorded on failures.
const (
	StageExtract   = "extract"
	StageReference = "reference"
	StageFit       = "fit"
	StageDrift     = "drift"
	StagePredict   = "predict"
	StageValidate  = "validate"
	StageSkipped   = "skipped"
)

// EntityOutcome is everything produced for one successfully processed entity.
type EntityOutcome struct {
	Key        EntityKey         `json:"entity_key"`
	Forecast   ForecastResult    `json:"forecast"`
	Drift      DriftVerdict      `json:"drift"`
	Validation ValidationVerdict `json:"validation"`
	Params     map[string]any    `json:"params"`
	Goal       *GoalProjection   `json:"goal,omitempty"`
	Backtest   *BacktestScore    `json:"backtest,omitempty"`
	Artifacts  []string          `json:"artifacts,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// clone returns a deep copy so callers cannot mutate a sealed result.
func (o EntityOutcome) clone() EntityOutcome {
	o.Forecast.Horizon = slices.Clone(o.Forecast.Horizon)
	o.Forecast.Point = slices.Clone(o.Forecast.Point)
	o.Forecast.Lower = slices.Clone(o.Forecast.Lower)
	o.Forecast.Upper = slices.Clone(o.Forecast.Upper)
	o.Validation.FailedChecks = slices.Clone(o.Validation.FailedChecks)
	o.Artifacts = slices.Clone(o.Artifacts)
	o.Params = maps.Clone(o.Params)
	if o.Goal != nil {
		g := *o.Goal
		o.Goal = &g
	}
	if o.Backtest != nil {
		bt := *o.Backtest
		bt.Metrics = maps.Clone(bt.Metrics)
		o.Backtest = &bt
	}
	return o
}

// EntityFailure records an entity that errored before its forecast was validated.
type EntityFailure struct {
	Key   EntityKey
	Stage string
	Err   error
}

func (f EntityFailure) Error() string {
	return fmt.Sprintf("entity %s failed at %s: %v", f.Key, f.Stage, f.Err)
}

func (f EntityFailure) Unwrap() error { return f.Err }

// ErrSealed is returned when recording into a finalized run.
var ErrSealed = errors.New("run result is sealed")

// RunBuilder accumulates entity results during a run. It is safe for
// concurrent use; each key is written at most once.
type RunBuilder struct {
	mu        sync.Mutex
	runID     string
	startedAt time.Time
	order     []EntityKey
	outcomes  map[EntityKey]EntityOutcome
	failures  map[EntityKey]EntityFailure
	sealed    bool
}

// NewRunBuilder starts a run over keys in the given order.
func NewRunBuilder(runID string, keys []EntityKey, startedAt time.Time) *RunBuilder {
	order := make([]EntityKey, len(keys))
	copy(order, keys)
	return &RunBuilder{
		runID:     runID,
		startedAt: startedAt,
		order:     order,
		outcomes:  make(map[EntityKey]EntityOutcome, len(keys)),
		failures:  make(map[EntityKey]EntityFailure),
	}
}

// Record stores a successful outcome.
func (b *RunBuilder) Record(o EntityOutcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return ErrSealed
	}
	if _, dup := b.outcomes[o.Key]; dup {
		return fmt.Errorf("entity %s already recorded", o.Key)
	}
	if _, dup := b.failures[o.Key]; dup {
		return fmt.Errorf("entity %s already recorded as failed", o.Key)
	}
	b.outcomes[o.Key] = o
	return nil
}

// Fail stores a per-entity failure.
func (b *RunBuilder) Fail(f EntityFailure) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return ErrSealed
	}
	if _, dup := b.outcomes[f.Key]; dup {
		return fmt.Errorf("entity %s already recorded", f.Key)
	}
	if _, dup := b.failures[f.Key]; dup {
		return fmt.Errorf("entity %s already recorded as failed", f.Key)
	}
	b.failures[f.Key] = f
	return nil
}

// Finalize seals the builder and returns the immutable result.
func (b *RunBuilder) Finalize(finishedAt time.Time) *RunResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed = true
	return &RunResult{
		runID:      b.runID,
		startedAt:  b.startedAt,
		finishedAt: finishedAt,
		order:      b.order,
		outcomes:   b.outcomes,
		failures:   b.failures,
	}
}

// RunResult is the sealed aggregate of a run. It exposes read-only accessors.
type RunResult struct {
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	order      []EntityKey
	outcomes   map[EntityKey]EntityOutcome
	failures   map[EntityKey]EntityFailure
}

// RunID returns the run identifier.
func (r *RunResult) RunID() string { return r.runID }

// StartedAt returns the time the run began.
func (r *RunResult) StartedAt() time.Time { return r.startedAt }

// FinishedAt returns the time the run was finalized.
func (r *RunResult) FinishedAt() time.Time { return r.finishedAt }

// Keys returns every entity key of the run in processing order.
func (r *RunResult) Keys() []EntityKey {
	out := make([]EntityKey, len(r.order))
	copy(out, r.order)
	return out
}

// Outcome returns a copy of the outcome for key, if the entity completed.
func (r *RunResult) Outcome(key EntityKey) (EntityOutcome, bool) {
	o, ok := r.outcomes[key]
	if !ok {
		return EntityOutcome{}, false
	}
	return o.clone(), true
}

// Failure returns the failure for key, if the entity errored.
func (r *RunResult) Failure(key EntityKey) (EntityFailure, bool) {
	f, ok := r.failures[key]
	return f, ok
}

// Status classifies the entity's outcome.
func (r *RunResult) Status(key EntityKey) Status {
	if o, ok := r.outcomes[key]; ok {
		if o.Validation.Passed {
			return StatusValidated
		}
		return StatusFailedValidation
	}
	if _, ok := r.failures[key]; ok {
		return StatusErrored
	}
	return StatusUnknown
}

// Outcomes returns copies of the completed outcomes in processing order.
func (r *RunResult) Outcomes() []EntityOutcome {
	out := make([]EntityOutcome, 0, len(r.outcomes))
	for _, k := range r.order {
		if o, ok := r.outcomes[k]; ok {
			out = append(out, o.clone())
		}
	}
	return out
}

// Failures returns the failures in processing order.
func (r *RunResult) Failures() []EntityFailure {
	out := make([]EntityFailure, 0, len(r.failures))
	for _, k := range r.order {
		if f, ok := r.failures[k]; ok {
			out = append(out, f)
		}
	}
	return out
}

// KeysWithStatus returns the keys whose status equals s, in processing order.
func (r *RunResult) KeysWithStatus(s Status) []EntityKey {
	var out []EntityKey
	for _, k := range r.order {
		if r.Status(k) == s {
			out = append(out, k)
		}
	}
	return out
}

// Counts returns the number of entities per status.
func (r *RunResult) Counts() map[Status]int {
	counts := make(map[Status]int, 3)
	for _, k := range r.order {
		counts[r.Status(k)]++
	}
	return counts
}
