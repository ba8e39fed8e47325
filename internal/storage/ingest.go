package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/vendorcast/internal/logger"
	"github.com/rewired-gh/vendorcast/internal/models"
)

const day = 24 * time.Hour

// timestampLayouts are tried in order when parsing order timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// table is a parsed delimited file with a header row.
type table struct {
	path   string
	header map[string]int
	rows   [][]string
}

func (t *table) column(name string) (int, error) {
	i, ok := t.header[name]
	if !ok {
		return 0, fmt.Errorf("%s: missing column %q", t.path, name)
	}
	return i, nil
}

func readTable(path string, delimiter rune) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	head, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: file is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read header: %w", path, err)
	}

	t := &table{path: path, header: make(map[string]int, len(head))}
	for i, name := range head {
		// Excel exports prefix the first header with a byte order mark
		name = strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")
		t.header[name] = i
	}

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// field returns the trimmed value at column i, or "" for short rows.
func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ParseAmount parses a monetary amount written with a decimal comma, with or
// without dots as thousands separators: "1234,56", "1.234,56", "1234.56".
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// ParseTimestamp parses an order timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// readVendors maps active vendor codes to their entity key.
func (s *Store) readVendors() (map[string]models.EntityKey, error) {
	t, err := readTable(s.opts.VendorsPath, s.opts.Delimiter)
	if err != nil {
		return nil, err
	}
	cols := s.opts.Columns
	codeCol, err := t.column(cols.VendorCode)
	if err != nil {
		return nil, err
	}
	userCol, err := t.column(cols.VendorUser)
	if err != nil {
		return nil, err
	}
	statusCol, err := t.column(cols.VendorStatus)
	if err != nil {
		return nil, err
	}

	vendors := make(map[string]models.EntityKey)
	for i, row := range t.rows {
		if field(row, statusCol) != s.opts.ActiveStatus {
			continue
		}
		code, user := field(row, codeCol), field(row, userCol)
		if code == "" || user == "" {
			logger.Warn("%s row %d: active vendor without code or user id, skipping", t.path, i+2)
			continue
		}
		if prev, dup := vendors[code]; dup {
			logger.Warn("%s row %d: vendor code %s already mapped to %s, keeping the first", t.path, i+2, code, prev)
			continue
		}
		vendors[code] = models.EntityKey(user)
	}
	return vendors, nil
}

// readOrders sums order values per entity and UTC day. Orders of unknown or
// inactive vendors are dropped, and rows with an unparseable timestamp or
// amount are skipped with a warning.
func (s *Store) readOrders(vendors map[string]models.EntityKey) (map[models.EntityKey]map[time.Time]decimal.Decimal, error) {
	t, err := readTable(s.opts.OrdersPath, s.opts.Delimiter)
	if err != nil {
		return nil, err
	}
	cols := s.opts.Columns
	vendorCol, err := t.column(cols.OrderVendor)
	if err != nil {
		return nil, err
	}
	tsCol, err := t.column(cols.OrderTimestamp)
	if err != nil {
		return nil, err
	}
	valueCol, err := t.column(cols.OrderValue)
	if err != nil {
		return nil, err
	}

	totals := make(map[models.EntityKey]map[time.Time]decimal.Decimal)
	dropped, malformed := 0, 0
	for i, row := range t.rows {
		key, ok := vendors[field(row, vendorCol)]
		if !ok {
			dropped++
			continue
		}
		ts, err := ParseTimestamp(field(row, tsCol))
		if err != nil {
			logger.Warn("%s row %d: %v, skipping", t.path, i+2, err)
			malformed++
			continue
		}
		amount, err := ParseAmount(field(row, valueCol))
		if err != nil {
			logger.Warn("%s row %d: %v, skipping", t.path, i+2, err)
			malformed++
			continue
		}

		days, ok := totals[key]
		if !ok {
			days = make(map[time.Time]decimal.Decimal)
			totals[key] = days
		}
		d := ts.Truncate(day)
		days[d] = days[d].Add(amount)
	}

	if malformed > 0 {
		logger.Warn("%s: skipped %d malformed order rows", t.path, malformed)
	}
	logger.Debug("Ingested %d orders for %d entities (%d dropped: unknown or inactive vendor, %d malformed)",
		len(t.rows)-dropped-malformed, len(totals), dropped, malformed)
	return totals, nil
}

// readGoals maps entity keys to their annual goal.
func (s *Store) readGoals() (map[models.EntityKey]float64, error) {
	t, err := readTable(s.opts.GoalsPath, s.opts.Delimiter)
	if err != nil {
		return nil, err
	}
	userCol, err := t.column(s.opts.Columns.GoalUser)
	if err != nil {
		return nil, err
	}
	valueCol, err := t.column(s.opts.Columns.GoalValue)
	if err != nil {
		return nil, err
	}

	goals := make(map[models.EntityKey]float64, len(t.rows))
	for i, row := range t.rows {
		user := field(row, userCol)
		if user == "" {
			continue
		}
		v, err := ParseAmount(field(row, valueCol))
		if err != nil {
			logger.Warn("%s row %d: %v, skipping goal for %s", t.path, i+2, err, user)
			continue
		}
		goals[models.EntityKey(user)] = v.InexactFloat64()
	}
	return goals, nil
}

// buildSeries turns daily totals into validated series. With fill, days
// without orders between the first and last order become zero observations.
func buildSeries(totals map[models.EntityKey]map[time.Time]decimal.Decimal, fill bool) (map[models.EntityKey]*models.Series, error) {
	out := make(map[models.EntityKey]*models.Series, len(totals))
	for key, days := range totals {
		stamps := make([]time.Time, 0, len(days))
		for d := range days {
			stamps = append(stamps, d)
		}
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

		var obs []models.Observation
		if fill && len(stamps) > 0 {
			first, last := stamps[0], stamps[len(stamps)-1]
			for d := first; !d.After(last); d = d.Add(day) {
				obs = append(obs, models.Observation{Timestamp: d, Value: days[d].InexactFloat64()})
			}
		} else {
			obs = make([]models.Observation, len(stamps))
			for i, d := range stamps {
				obs[i] = models.Observation{Timestamp: d, Value: days[d].InexactFloat64()}
			}
		}

		series, err := models.NewSeries(key, obs)
		if err != nil {
			return nil, fmt.Errorf("invalid series for %s: %w", key, err)
		}
		out[key] = series
	}
	return out, nil
}
