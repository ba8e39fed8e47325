// Package storage loads per-vendor sales series from raw delimited exports and
// persists the processed dataset.
//
// Raw ingestion joins orders to vendors on the vendor code, drops vendors that
// are not active, keys each series by the vendor's user id, and sums orders
// into one observation per UTC day. The processed dataset can be written as
// delimited text, parquet, or JSON; every write is atomic (temp file + rename).
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// SeriesStore supplies the series and goals consumed by the pipeline.
type SeriesStore interface {
	// Load returns one series per entity.
	Load() (map[models.EntityKey]*models.Series, error)
	// LoadGoals returns the annual goal per entity.
	LoadGoals() (map[models.EntityKey]float64, error)
	// Persist writes the processed dataset.
	Persist(ds *models.Dataset) error
}

// Columns names the raw input columns.
type Columns struct {
	OrderVendor    string
	OrderTimestamp string
	OrderValue     string
	VendorCode     string
	VendorUser     string
	VendorStatus   string
	GoalUser       string
	GoalValue      string
}

// DefaultColumns returns the column names of the raw CRM exports.
func DefaultColumns() Columns {
	return Columns{
		OrderVendor:    "codVendedor",
		OrderTimestamp: "dataHoraPrimeiroCadastro",
		OrderValue:     "valorVenda",
		VendorCode:     "idGPrint",
		VendorUser:     "idUsuarioSIG",
		VendorStatus:   "status",
		GoalUser:       "usuario_sig_id",
		GoalValue:      "venda_valor",
	}
}

// Options configures a Store.
type Options struct {
	OrdersPath      string
	VendorsPath     string
	GoalsPath       string // optional
	ProcessedPath   string
	Format          Format
	Delimiter       rune
	ActiveStatus    string
	FillMissingDays bool
	Columns         Columns
	FilePermissions os.FileMode
	DirPermissions  os.FileMode
}

// Store reads raw exports and persists the processed dataset.
type Store struct {
	opts  Options
	codec codec
}

// New creates a new Store.
func New(opts Options) (*Store, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.FilePermissions == 0 {
		opts.FilePermissions = 0644
	}
	if opts.DirPermissions == 0 {
		opts.DirPermissions = 0755
	}
	if opts.Columns == (Columns{}) {
		opts.Columns = DefaultColumns()
	}

	c, err := codecFor(opts.Format, opts.Delimiter)
	if err != nil {
		return nil, err
	}
	return &Store{opts: opts, codec: c}, nil
}

// Load ingests orders and vendors and returns the aggregated daily series.
func (s *Store) Load() (map[models.EntityKey]*models.Series, error) {
	vendors, err := s.readVendors()
	if err != nil {
		return nil, err
	}
	totals, err := s.readOrders(vendors)
	if err != nil {
		return nil, err
	}
	return buildSeries(totals, s.opts.FillMissingDays)
}

// LoadGoals reads the annual goal file. A store without a goals path has no goals.
func (s *Store) LoadGoals() (map[models.EntityKey]float64, error) {
	if s.opts.GoalsPath == "" {
		return map[models.EntityKey]float64{}, nil
	}
	return s.readGoals()
}

// LoadDataset loads series and goals together.
func (s *Store) LoadDataset() (*models.Dataset, error) {
	series, err := s.Load()
	if err != nil {
		return nil, err
	}
	goals, err := s.LoadGoals()
	if err != nil {
		return nil, err
	}
	ds := models.NewDataset()
	ds.Series = series
	ds.Goals = goals
	return ds, nil
}

// Persist writes ds to the processed path in the configured format.
func (s *Store) Persist(ds *models.Dataset) error {
	if s.opts.ProcessedPath == "" {
		return fmt.Errorf("processed path is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.ProcessedPath), s.opts.DirPermissions); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := s.codec.write(s.opts.ProcessedPath, toRecords(ds), s.opts.FilePermissions); err != nil {
		return fmt.Errorf("failed to persist processed dataset: %w", err)
	}
	return nil
}

// LoadProcessed reads back a dataset written by Persist. Goals are not part
// of the processed file.
func (s *Store) LoadProcessed() (*models.Dataset, error) {
	// Clean up any stale temp file from an interrupted write
	_ = os.Remove(tempPath(s.opts.ProcessedPath))

	records, err := s.codec.read(s.opts.ProcessedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read processed dataset: %w", err)
	}
	return fromRecords(records)
}
