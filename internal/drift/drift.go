// Package drift detects distribution drift between a per-entity reference
// sample and a trailing window of recent observations.
//
// The test is the two-sample Kolmogorov-Smirnov test:
//
//	D = sup |F_ref(x) - F_recent(x)|
//	p = Q_KS(sqrt(n·m/(n+m)) · D)
//
// where Q_KS is the asymptotic Kolmogorov survival function. Drift is flagged
// when p is strictly below the configured significance level. The test is a
// pure function of its inputs; no resampling is involved.
package drift

import (
	"fmt"
	"slices"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Reference is a fixed snapshot of historical values for one entity.
// It is built once per entity per run and never mutated.
type Reference struct {
	key    models.EntityKey
	values []float64
}

// Key returns the entity the reference belongs to.
func (r *Reference) Key() models.EntityKey { return r.key }

// Len returns the reference sample size.
func (r *Reference) Len() int { return len(r.values) }

// Values returns a copy of the reference sample.
func (r *Reference) Values() []float64 { return slices.Clone(r.values) }

// Config holds the drift monitor settings.
type Config struct {
	PValue           float64 // significance threshold, in (0, 1)
	WindowSize       int     // trailing window length
	MinReferenceSize int     // minimum reference sample size
	// ExcludeWindow builds the reference from observations preceding the
	// trailing window so the two samples never overlap.
	ExcludeWindow bool
}

// Monitor builds references and runs drift tests.
type Monitor struct {
	cfg Config
}

// New creates a new Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.PValue <= 0 || cfg.PValue >= 1 {
		return nil, fmt.Errorf("invalid p-value threshold %v: must be in (0, 1)", cfg.PValue)
	}
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("invalid window size %d: must be positive", cfg.WindowSize)
	}
	if cfg.MinReferenceSize < 1 {
		cfg.MinReferenceSize = 1
	}
	return &Monitor{cfg: cfg}, nil
}

// BuildReference snapshots the baseline sample for series. With ExcludeWindow
// the trailing window is left out of the reference.
func (m *Monitor) BuildReference(series *models.Series) (*Reference, error) {
	base := series
	what := "drift reference"
	if m.cfg.ExcludeWindow {
		base = series.Head(series.Len() - m.cfg.WindowSize)
		what = "drift reference preceding the window"
	}

	if base.Len() < m.cfg.MinReferenceSize {
		return nil, &models.InsufficientDataError{
			What: what,
			Need: m.cfg.MinReferenceSize,
			Have: base.Len(),
		}
	}

	return &Reference{key: series.Key, values: base.Values()}, nil
}

// RecentWindow returns the trailing window of series as a flat sample.
func (m *Monitor) RecentWindow(series *models.Series) ([]float64, error) {
	if series.Len() < m.cfg.WindowSize {
		return nil, &models.InsufficientDataError{
			What: "recent window",
			Need: m.cfg.WindowSize,
			Have: series.Len(),
		}
	}
	return series.Tail(m.cfg.WindowSize).Values(), nil
}

// TestDrift compares recent against the reference. recent must hold at least
// WindowSize observations; only the trailing WindowSize are used.
func (m *Monitor) TestDrift(ref *Reference, recent []float64) (models.DriftVerdict, error) {
	if ref == nil || ref.Len() == 0 {
		return models.DriftVerdict{}, &models.InsufficientDataError{What: "drift reference", Need: 1, Have: 0}
	}
	if len(recent) < m.cfg.WindowSize {
		return models.DriftVerdict{}, &models.InsufficientDataError{
			What: "recent window",
			Need: m.cfg.WindowSize,
			Have: len(recent),
		}
	}
	recent = recent[len(recent)-m.cfg.WindowSize:]

	d := KSStatistic(ref.values, recent)
	p := KSPValue(d, len(ref.values), len(recent))

	return models.DriftVerdict{
		IsDrift: IsDrift(p, m.cfg.PValue),
		Score:   d,
		PValue:  p,
	}, nil
}

// IsDrift applies the strict significance rule: p-values equal to the
// threshold are not drift.
func IsDrift(pValue, threshold float64) bool {
	return pValue < threshold
}
