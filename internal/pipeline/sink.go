package pipeline

import (
	"time"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// EntityRecord is what sinks receive for one processed entity.
type EntityRecord struct {
	RunID   string
	Series  *models.Series
	Outcome models.EntityOutcome
}

// Tracker logs runs and per-entity results. Tracker errors never abort a run.
type Tracker interface {
	StartRun(runID string, startedAt time.Time) error
	LogEntity(rec EntityRecord) error
	EndRun(result *models.RunResult) error
}

// Plotter renders a visual artifact for one entity and returns its path.
type Plotter interface {
	Plot(rec EntityRecord) (string, error)
}

// NopTracker discards everything.
type NopTracker struct{}

func (NopTracker) StartRun(string, time.Time) error { return nil }
func (NopTracker) LogEntity(EntityRecord) error     { return nil }
func (NopTracker) EndRun(*models.RunResult) error   { return nil }

// NopPlotter renders nothing.
type NopPlotter struct{}

func (NopPlotter) Plot(EntityRecord) (string, error) { return "", nil }
