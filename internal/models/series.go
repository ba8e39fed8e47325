// Package models defines the core domain entities for vendorcast.
// These models represent per-vendor sales series, drift and validation verdicts,
// forecast outputs, and the aggregate result of one forecasting run.
// Models carry built-in validation so the pipeline can reject malformed input early.
//
// Terminology:
//   - Entity: an independently forecasted unit, typically one vendor.
//   - Series: the ordered daily history of one entity.
//   - Horizon: the future timestamps a forecast covers.
package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// EntityKey is an opaque identifier partitioning the dataset into independent series.
type EntityKey string

// Observation is a single (timestamp, value) pair.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is the ordered history of one entity. Timestamps are strictly increasing.
type Series struct {
	Key          EntityKey     `json:"key"`
	Observations []Observation `json:"observations"`
}

// defaultFrequency is used when a series has too few points to infer its spacing.
const defaultFrequency = 24 * time.Hour

// NewSeries builds a Series from observations and validates it.
func NewSeries(key EntityKey, obs []Observation) (*Series, error) {
	s := &Series{Key: key, Observations: obs}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that timestamps strictly increase and values are finite.
func (s *Series) Validate() error {
	if s.Key == "" {
		return errors.New("series key must not be empty")
	}
	for i, o := range s.Observations {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			return fmt.Errorf("series %s: value at index %d is not finite", s.Key, i)
		}
		if i > 0 && !o.Timestamp.After(s.Observations[i-1].Timestamp) {
			return fmt.Errorf("series %s: timestamps must be strictly increasing (index %d)", s.Key, i)
		}
	}
	return nil
}

// Len returns the number of observations.
func (s *Series) Len() int {
	return len(s.Observations)
}

// Values returns a copy of the observation values in order.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.Observations))
	for i, o := range s.Observations {
		out[i] = o.Value
	}
	return out
}

// Timestamps returns a copy of the observation timestamps in order.
func (s *Series) Timestamps() []time.Time {
	out := make([]time.Time, len(s.Observations))
	for i, o := range s.Observations {
		out[i] = o.Timestamp
	}
	return out
}

// Last returns the last observed timestamp. The zero time is returned for an empty series.
func (s *Series) Last() time.Time {
	if len(s.Observations) == 0 {
		return time.Time{}
	}
	return s.Observations[len(s.Observations)-1].Timestamp
}

// Head returns a series holding the first n observations.
func (s *Series) Head(n int) *Series {
	n = max(0, min(n, len(s.Observations)))
	return &Series{Key: s.Key, Observations: s.Observations[:n]}
}

// Tail returns a series holding the trailing n observations.
func (s *Series) Tail(n int) *Series {
	n = max(0, min(n, len(s.Observations)))
	return &Series{Key: s.Key, Observations: s.Observations[len(s.Observations)-n:]}
}

// Frequency infers the native spacing of the series as the most common gap
// between consecutive timestamps. Ties resolve to the smaller gap.
func (s *Series) Frequency() time.Duration {
	if len(s.Observations) < 2 {
		return defaultFrequency
	}

	counts := make(map[time.Duration]int)
	for i := 1; i < len(s.Observations); i++ {
		counts[s.Observations[i].Timestamp.Sub(s.Observations[i-1].Timestamp)]++
	}

	best, bestCount := time.Duration(0), 0
	for gap, c := range counts {
		if c > bestCount || (c == bestCount && gap < best) {
			best, bestCount = gap, c
		}
	}
	return best
}

// DistinctValues reports how many distinct values the series holds, stopping at limit.
func (s *Series) DistinctValues(limit int) int {
	seen := make(map[float64]struct{}, limit)
	for _, o := range s.Observations {
		seen[o.Value] = struct{}{}
		if len(seen) >= limit {
			break
		}
	}
	return len(seen)
}

// Dataset is the full set of entity series loaded for one run, plus the
// per-entity annual goals.
type Dataset struct {
	Series map[EntityKey]*Series `json:"series"`
	Goals  map[EntityKey]float64 `json:"goals,omitempty"`
}

// NewDataset creates an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Series: make(map[EntityKey]*Series),
		Goals:  make(map[EntityKey]float64),
	}
}

// Keys returns the entity keys sorted lexicographically. The ordering is the
// canonical processing order of a run.
func (d *Dataset) Keys() []EntityKey {
	keys := make([]EntityKey, 0, len(d.Series))
	for k := range d.Series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Goal returns the annual goal for key and whether one exists.
func (d *Dataset) Goal(key EntityKey) (float64, bool) {
	if d.Goals == nil {
		return 0, false
	}
	g, ok := d.Goals[key]
	return g, ok
}
