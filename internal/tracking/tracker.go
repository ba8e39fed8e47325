// Package tracking records forecasting runs on the local filesystem and keeps
// a registry of published per-entity models.
//
// Layout:
//
//	<dir>/<experiment>/<run_id>/meta.yaml
//	<dir>/<experiment>/<run_id>/summary.json
//	<dir>/<experiment>/<run_id>/<entity>/params.yaml
//	<dir>/<experiment>/<run_id>/<entity>/forecast.json
//	<dir>/<experiment>/<run_id>/<entity>/verdicts.json
//	<dir>/<experiment>/<run_id>/<entity>/artifacts/...
//	<dir>/registry/<model>/<entity>/latest.json
package tracking

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/vendorcast/internal/models"
	"github.com/rewired-gh/vendorcast/internal/pipeline"
)

// Tracker implements pipeline.Tracker on the filesystem.
type Tracker struct {
	dir        string
	experiment string
	filePerm   os.FileMode
	dirPerm    os.FileMode
	now        func() time.Time

	mu     sync.Mutex
	runID  string
	runDir string
	meta   runMeta
}

var _ pipeline.Tracker = (*Tracker)(nil)

type runMeta struct {
	RunID      string            `yaml:"run_id"`
	Experiment string            `yaml:"experiment"`
	StartedAt  time.Time         `yaml:"started_at"`
	FinishedAt *time.Time        `yaml:"finished_at,omitempty"`
	Tags       map[string]string `yaml:"tags"`
}

type entityParams struct {
	Entity     string         `yaml:"entity"`
	RunID      string         `yaml:"run_id"`
	Parameters map[string]any `yaml:"parameters"`
}

type entityForecast struct {
	models.ForecastResult
	Goal *models.GoalProjection `json:"goal,omitempty"`
}

type entityVerdicts struct {
	Drift      models.DriftVerdict      `json:"drift"`
	Validation models.ValidationVerdict `json:"validation"`
	DurationMs int64                    `json:"duration_ms"`
	Artifacts  []string                 `json:"artifacts"`
}

type runSummary struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Counts     map[string]int           `json:"counts"`
	Entities   map[string]entitySummary `json:"entities"`
}

type entitySummary struct {
	Status  string             `json:"status"`
	Stage   string             `json:"stage,omitempty"`
	Error   string             `json:"error,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// New creates a new Tracker rooted at dir.
func New(dir, experiment string) (*Tracker, error) {
	if dir == "" {
		return nil, fmt.Errorf("tracking directory is required")
	}
	if experiment == "" {
		experiment = "default"
	}
	return &Tracker{
		dir:        dir,
		experiment: experiment,
		filePerm:   0644,
		dirPerm:    0755,
		now:        time.Now,
	}, nil
}

// RunDir returns the directory of the active run.
func (t *Tracker) RunDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runDir
}

// StartRun creates the run directory and writes its metadata.
func (t *Tracker) StartRun(runID string, startedAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	runDir := filepath.Join(t.dir, safeName(t.experiment), safeName(runID))
	if err := os.MkdirAll(runDir, t.dirPerm); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	t.runID = runID
	t.runDir = runDir
	t.meta = runMeta{
		RunID:      runID,
		Experiment: t.experiment,
		StartedAt:  startedAt.UTC(),
		Tags:       map[string]string{"Model Info": "Forecast run " + startedAt.UTC().Format("2006-01-02 15:04:05")},
	}
	return t.writeYAML(filepath.Join(runDir, "meta.yaml"), t.meta)
}

// LogEntity writes the params, forecast, backtest metrics, and verdicts of one
// entity and copies its artifacts into the entity directory.
func (t *Tracker) LogEntity(rec pipeline.EntityRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runDir == "" || rec.RunID != t.runID {
		return fmt.Errorf("run %s was not started", rec.RunID)
	}

	o := rec.Outcome
	entityDir := filepath.Join(t.runDir, safeName(string(o.Key)))
	if err := os.MkdirAll(entityDir, t.dirPerm); err != nil {
		return fmt.Errorf("failed to create entity directory: %w", err)
	}

	params := entityParams{Entity: string(o.Key), RunID: rec.RunID, Parameters: o.Params}
	if err := t.writeYAML(filepath.Join(entityDir, "params.yaml"), params); err != nil {
		return err
	}
	if err := t.writeJSON(filepath.Join(entityDir, "forecast.json"), entityForecast{ForecastResult: o.Forecast, Goal: o.Goal}); err != nil {
		return err
	}

	var logged []string
	for _, src := range o.Artifacts {
		dst, err := t.copyArtifact(src, filepath.Join(entityDir, "artifacts"))
		if err != nil {
			return fmt.Errorf("failed to log artifact %s: %w", src, err)
		}
		logged = append(logged, dst)
	}

	if o.Backtest != nil {
		if err := t.writeJSON(filepath.Join(entityDir, "metrics.json"), o.Backtest); err != nil {
			return err
		}
	}

	verdicts := entityVerdicts{
		Drift:      o.Drift,
		Validation: o.Validation,
		DurationMs: o.Duration.Milliseconds(),
		Artifacts:  logged,
	}
	return t.writeJSON(filepath.Join(entityDir, "verdicts.json"), verdicts)
}

// EndRun writes the run summary and stamps the finish time.
func (t *Tracker) EndRun(result *models.RunResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runDir == "" || result.RunID() != t.runID {
		return fmt.Errorf("run %s was not started", result.RunID())
	}

	summary := runSummary{
		RunID:      result.RunID(),
		StartedAt:  result.StartedAt().UTC(),
		FinishedAt: result.FinishedAt().UTC(),
		Counts:     make(map[string]int),
		Entities:   make(map[string]entitySummary),
	}
	for status, n := range result.Counts() {
		summary.Counts[status.String()] = n
	}
	for _, key := range result.Keys() {
		es := entitySummary{Status: result.Status(key).String()}
		if f, ok := result.Failure(key); ok {
			es.Stage = f.Stage
			es.Error = f.Err.Error()
		}
		if o, ok := result.Outcome(key); ok && o.Backtest != nil {
			es.Metrics = o.Backtest.Metrics
		}
		summary.Entities[string(key)] = es
	}
	if err := t.writeJSON(filepath.Join(t.runDir, "summary.json"), summary); err != nil {
		return err
	}

	finished := result.FinishedAt().UTC()
	t.meta.FinishedAt = &finished
	return t.writeYAML(filepath.Join(t.runDir, "meta.yaml"), t.meta)
}

func (t *Tracker) copyArtifact(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, t.dirPerm); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, t.filePerm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	return dst, out.Close()
}

func (t *Tracker) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data, t.filePerm)
}

func (t *Tracker) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data, t.filePerm)
}

// writeAtomic writes to a temp file first and renames it into place.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath) // Clean up temp file on rename failure
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// safeName makes s usable as a single path element.
func safeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}
