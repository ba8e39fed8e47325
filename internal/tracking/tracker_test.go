package tracking

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/vendorcast/internal/models"
	"github.com/rewired-gh/vendorcast/internal/pipeline"
)

var started = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleOutcome(key models.EntityKey) models.EntityOutcome {
	h := []time.Time{started.AddDate(0, 0, 1), started.AddDate(0, 0, 2)}
	return models.EntityOutcome{
		Key: key,
		Forecast: models.ForecastResult{
			EntityKey: key,
			Horizon:   h,
			Point:     []float64{10, 11},
			Lower:     []float64{5, 6},
			Upper:     []float64{15, 16},
			Coverage:  0.95,
		},
		Drift:      models.DriftVerdict{IsDrift: true, Score: 0.4, PValue: 0.001},
		Validation: models.ValidationVerdict{Passed: true, FailedChecks: []string{}},
		Params:     map[string]any{"seasonality_mode": "additive", "horizon": 2},
		Goal:       &models.GoalProjection{Goal: 30, Projection: 21, Gap: -9},
		Backtest:   &models.BacktestScore{Holdout: 50, Metrics: map[string]float64{"mae": 4.5, "rmse": 6.25}},
		Duration:   1500 * time.Millisecond,
	}
}

func startedTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	tr, err := New(dir, "vendor_forecasting")
	require.NoError(t, err)
	require.NoError(t, tr.StartRun("run-1", started))
	return tr, dir
}

func TestStartRunWritesMeta(t *testing.T) {
	tr, dir := startedTracker(t)
	assert.Equal(t, filepath.Join(dir, "vendor_forecasting", "run-1"), tr.RunDir())

	data, err := os.ReadFile(filepath.Join(tr.RunDir(), "meta.yaml"))
	require.NoError(t, err)

	var meta runMeta
	require.NoError(t, yaml.Unmarshal(data, &meta))
	assert.Equal(t, "run-1", meta.RunID)
	assert.Equal(t, "Forecast run 2024-06-01 12:00:00", meta.Tags["Model Info"])
	assert.Nil(t, meta.FinishedAt)
}

func TestLogEntity(t *testing.T) {
	tr, dir := startedTracker(t)

	plot := filepath.Join(dir, "v1.html")
	require.NoError(t, os.WriteFile(plot, []byte("<html></html>"), 0644))

	outcome := sampleOutcome("v1")
	outcome.Artifacts = []string{plot}
	require.NoError(t, tr.LogEntity(pipeline.EntityRecord{RunID: "run-1", Outcome: outcome}))

	entityDir := filepath.Join(tr.RunDir(), "v1")

	data, err := os.ReadFile(filepath.Join(entityDir, "params.yaml"))
	require.NoError(t, err)
	var params entityParams
	require.NoError(t, yaml.Unmarshal(data, &params))
	assert.Equal(t, "additive", params.Parameters["seasonality_mode"])
	assert.Equal(t, 2, params.Parameters["horizon"])

	data, err = os.ReadFile(filepath.Join(entityDir, "forecast.json"))
	require.NoError(t, err)
	var fc entityForecast
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, []float64{10, 11}, fc.Point)
	require.NotNil(t, fc.Goal)
	assert.Equal(t, -9.0, fc.Goal.Gap)

	data, err = os.ReadFile(filepath.Join(entityDir, "metrics.json"))
	require.NoError(t, err)
	var score models.BacktestScore
	require.NoError(t, json.Unmarshal(data, &score))
	assert.Equal(t, 50, score.Holdout)
	assert.Equal(t, map[string]float64{"mae": 4.5, "rmse": 6.25}, score.Metrics)

	data, err = os.ReadFile(filepath.Join(entityDir, "verdicts.json"))
	require.NoError(t, err)
	var verdicts entityVerdicts
	require.NoError(t, json.Unmarshal(data, &verdicts))
	assert.True(t, verdicts.Drift.IsDrift)
	assert.True(t, verdicts.Validation.Passed)
	assert.Equal(t, int64(1500), verdicts.DurationMs)
	require.Len(t, verdicts.Artifacts, 1)
	assert.FileExists(t, verdicts.Artifacts[0])
}

func TestLogEntityWithoutBacktest(t *testing.T) {
	tr, _ := startedTracker(t)

	outcome := sampleOutcome("v1")
	outcome.Backtest = nil
	require.NoError(t, tr.LogEntity(pipeline.EntityRecord{RunID: "run-1", Outcome: outcome}))
	assert.NoFileExists(t, filepath.Join(tr.RunDir(), "v1", "metrics.json"))
}

func TestLogEntityRequiresStartedRun(t *testing.T) {
	tr, err := New(t.TempDir(), "exp")
	require.NoError(t, err)
	assert.Error(t, tr.LogEntity(pipeline.EntityRecord{RunID: "run-1", Outcome: sampleOutcome("v1")}))

	require.NoError(t, tr.StartRun("run-1", started))
	assert.Error(t, tr.LogEntity(pipeline.EntityRecord{RunID: "other", Outcome: sampleOutcome("v1")}))
}

func TestEndRunWritesSummary(t *testing.T) {
	tr, _ := startedTracker(t)

	b := models.NewRunBuilder("run-1", []models.EntityKey{"v1", "v2"}, started)
	require.NoError(t, b.Record(sampleOutcome("v1")))
	require.NoError(t, b.Fail(models.EntityFailure{Key: "v2", Stage: models.StageFit, Err: &models.FitError{Reason: "degenerate"}}))
	result := b.Finalize(started.Add(time.Minute))

	require.NoError(t, tr.EndRun(result))

	data, err := os.ReadFile(filepath.Join(tr.RunDir(), "summary.json"))
	require.NoError(t, err)
	var summary runSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 1, summary.Counts["validated"])
	assert.Equal(t, 1, summary.Counts["errored"])
	assert.Equal(t, "fit", summary.Entities["v2"].Stage)
	assert.Contains(t, summary.Entities["v2"].Error, "degenerate")
	assert.Equal(t, 6.25, summary.Entities["v1"].Metrics["rmse"])
	assert.Empty(t, summary.Entities["v2"].Metrics)

	data, err = os.ReadFile(filepath.Join(tr.RunDir(), "meta.yaml"))
	require.NoError(t, err)
	var meta runMeta
	require.NoError(t, yaml.Unmarshal(data, &meta))
	require.NotNil(t, meta.FinishedAt)
	assert.True(t, started.Add(time.Minute).Equal(*meta.FinishedAt))
}

func TestRegisterModel(t *testing.T) {
	tr, _ := startedTracker(t)

	_, err := tr.RegisterModel("sales_forecast", "v1")
	assert.Error(t, err, "untracked entity cannot be registered")

	require.NoError(t, tr.LogEntity(pipeline.EntityRecord{RunID: "run-1", Outcome: sampleOutcome("v1")}))

	first, err := tr.RegisterModel("sales_forecast", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, "run-1", first.RunID)

	second, err := tr.RegisterModel("sales_forecast", "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := tr.LatestRegistration("sales_forecast", "v1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"v1", "v1"},
		{"a/b", "a_b"},
		{"..", "_"},
		{"", "_"},
		{"c:\\d", "c__d"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, safeName(tt.in))
		})
	}
}
