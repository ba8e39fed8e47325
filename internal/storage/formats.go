package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Format selects the processed dataset encoding.
type Format string

// Supported processed dataset formats.
const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// record is one processed observation. The parquet tags define the columnar schema.
type record struct {
	Entity    string  `parquet:"entity"`
	Timestamp int64   `parquet:"timestamp_ms"`
	Value     float64 `parquet:"value"`
}

// jsonFile is the JSON persistence layout.
type jsonFile struct {
	Version string       `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Records []jsonRecord `json:"records"`
}

type jsonRecord struct {
	Entity    string    `json:"entity"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type codec interface {
	write(path string, records []record, perm os.FileMode) error
	read(path string) ([]record, error)
}

func codecFor(f Format, delimiter rune) (codec, error) {
	switch f {
	case FormatCSV:
		return csvCodec{delimiter: delimiter}, nil
	case FormatParquet, "":
		return parquetCodec{}, nil
	case FormatJSON:
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported processed format %q", f)
	}
}

func toRecords(ds *models.Dataset) []record {
	var out []record
	for _, key := range ds.Keys() {
		for _, o := range ds.Series[key].Observations {
			out = append(out, record{Entity: string(key), Timestamp: o.Timestamp.UnixMilli(), Value: o.Value})
		}
	}
	return out
}

func fromRecords(records []record) (*models.Dataset, error) {
	grouped := make(map[models.EntityKey][]models.Observation)
	for _, r := range records {
		key := models.EntityKey(r.Entity)
		grouped[key] = append(grouped[key], models.Observation{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Value:     r.Value,
		})
	}

	ds := models.NewDataset()
	for key, obs := range grouped {
		sort.SliceStable(obs, func(i, j int) bool { return obs[i].Timestamp.Before(obs[j].Timestamp) })
		series, err := models.NewSeries(key, obs)
		if err != nil {
			return nil, err
		}
		ds.Series[key] = series
	}
	return ds, nil
}

func tempPath(path string) string { return path + ".tmp" }

// writeAtomic writes via a temp file and renames it over path.
func writeAtomic(path string, write func(tmp string) error) error {
	tmp := tempPath(path)
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // Clean up temp file on rename failure
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

type csvCodec struct {
	delimiter rune
}

var csvHeader = []string{"entity", "timestamp", "value"}

func (c csvCodec) write(path string, records []record, perm os.FileMode) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = c.delimiter
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Entity,
			time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return writeAtomic(path, func(tmp string) error {
		return os.WriteFile(tmp, buf.Bytes(), perm)
	})
}

func (c csvCodec) read(path string) ([]record, error) {
	t, err := readTable(path, c.delimiter)
	if err != nil {
		return nil, err
	}
	cols := make([]int, len(csvHeader))
	for i, name := range csvHeader {
		if cols[i], err = t.column(name); err != nil {
			return nil, err
		}
	}

	out := make([]record, 0, len(t.rows))
	for i, row := range t.rows {
		ts, err := time.Parse(time.RFC3339, field(row, cols[1]))
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		v, err := strconv.ParseFloat(field(row, cols[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		out = append(out, record{Entity: field(row, cols[0]), Timestamp: ts.UnixMilli(), Value: v})
	}
	return out, nil
}

type parquetCodec struct{}

func (parquetCodec) write(path string, records []record, perm os.FileMode) error {
	return writeAtomic(path, func(tmp string) error {
		if err := parquet.WriteFile(tmp, records); err != nil {
			return err
		}
		return os.Chmod(tmp, perm)
	})
}

func (parquetCodec) read(path string) ([]record, error) {
	return parquet.ReadFile[record](path)
}

type jsonCodec struct{}

func (jsonCodec) write(path string, records []record, perm os.FileMode) error {
	file := jsonFile{Version: "1.0", SavedAt: time.Now().UTC(), Records: make([]jsonRecord, len(records))}
	for i, r := range records {
		file.Records[i] = jsonRecord{Entity: r.Entity, Timestamp: time.UnixMilli(r.Timestamp).UTC(), Value: r.Value}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return writeAtomic(path, func(tmp string) error {
		return os.WriteFile(tmp, data, perm)
	})
}

func (jsonCodec) read(path string) ([]record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file jsonFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	out := make([]record, len(file.Records))
	for i, r := range file.Records {
		out[i] = record{Entity: r.Entity, Timestamp: r.Timestamp.UnixMilli(), Value: r.Value}
	}
	return out, nil
}
