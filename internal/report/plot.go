// Package report renders per-entity forecast pages as standalone HTML.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/rewired-gh/vendorcast/internal/forecast"
	"github.com/rewired-gh/vendorcast/internal/models"
	"github.com/rewired-gh/vendorcast/internal/pipeline"
)

const (
	dateLayout  = "2006-01-02"
	chartWidth  = "1200px"
	chartHeight = "500px"
	goalDays    = 365
	missing     = "-"
)

// Plotter writes one HTML page per entity under dir/<run_id>/.
type Plotter struct {
	dir      string
	maPeriod int
	filePerm os.FileMode
	dirPerm  os.FileMode
}

var _ pipeline.Plotter = (*Plotter)(nil)

// New creates a new Plotter.
func New(dir string, movingAveragePeriod int) (*Plotter, error) {
	if dir == "" {
		return nil, fmt.Errorf("plot directory is required")
	}
	if movingAveragePeriod < 1 {
		return nil, fmt.Errorf("invalid moving average period %d: must be positive", movingAveragePeriod)
	}
	return &Plotter{dir: dir, maPeriod: movingAveragePeriod, filePerm: 0644, dirPerm: 0755}, nil
}

// Plot renders the forecast page of rec and returns its path.
func (p *Plotter) Plot(rec pipeline.EntityRecord) (string, error) {
	if rec.Series == nil {
		return "", fmt.Errorf("entity %s has no history to plot", rec.Outcome.Key)
	}

	page := components.NewPage()
	page.PageTitle = "Forecast " + string(rec.Outcome.Key)
	page.AddCharts(p.forecastChart(rec.Series, &rec.Outcome))
	if rec.Outcome.Goal != nil {
		page.AddCharts(goalChart(&rec.Outcome))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return "", fmt.Errorf("failed to render page: %w", err)
	}

	dir := filepath.Join(p.dir, fileName(rec.RunID))
	if err := os.MkdirAll(dir, p.dirPerm); err != nil {
		return "", fmt.Errorf("failed to create plot directory: %w", err)
	}
	path := filepath.Join(dir, fileName(string(rec.Outcome.Key))+".html")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), p.filePerm); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to rename file: %w", err)
	}
	return path, nil
}

// MovingAverage returns the simple moving average of values. The result is
// aligned with values; the first period-1 entries have no average and are
// reported as false in ok.
func MovingAverage(values []float64, period int) (avg []float64, ok []bool) {
	avg = make([]float64, len(values))
	ok = make([]bool, len(values))
	if period < 1 || len(values) < period {
		return avg, ok
	}

	sma := trend.NewSmaWithPeriod[float64](period)
	computed := helper.ChanToSlice(sma.Compute(helper.SliceToChan(values)))
	offset := len(values) - len(computed)
	for i, v := range computed {
		avg[offset+i] = v
		ok[offset+i] = true
	}
	return avg, ok
}

func (p *Plotter) forecastChart(series *models.Series, o *models.EntityOutcome) *charts.Line {
	fc := o.Forecast
	n, h := series.Len(), len(fc.Horizon)

	labels := make([]string, 0, n+h)
	for _, ts := range series.Timestamps() {
		labels = append(labels, ts.Format(dateLayout))
	}
	for _, ts := range fc.Horizon {
		labels = append(labels, ts.Format(dateLayout))
	}

	values := series.Values()
	avg, hasAvg := MovingAverage(values, p.maPeriod)

	history := make([]opts.LineData, n+h)
	moving := make([]opts.LineData, n+h)
	point := make([]opts.LineData, n+h)
	lower := make([]opts.LineData, n+h)
	upper := make([]opts.LineData, n+h)
	for i := range n + h {
		history[i], moving[i], point[i], lower[i], upper[i] = blank(), blank(), blank(), blank(), blank()
	}
	for i, v := range values {
		history[i] = opts.LineData{Value: v}
		if hasAvg[i] {
			moving[i] = opts.LineData{Value: avg[i]}
		}
	}
	for i := range h {
		point[n+i] = opts.LineData{Value: fc.Point[i]}
		lower[n+i] = opts.LineData{Value: fc.Lower[i]}
		upper[n+i] = opts.LineData{Value: fc.Upper[i]}
	}

	subtitle := fmt.Sprintf("coverage %.0f%% · drift %v (p=%.3g) · validation %s",
		fc.Coverage*100, o.Drift.IsDrift, o.Drift.PValue, validationLabel(o.Validation))

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Sales forecast for " + string(o.Key), Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Sales"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("Historical sales", history)
	line.AddSeries(fmt.Sprintf("Moving average (%d)", p.maPeriod), moving,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	line.AddSeries("Forecast", point,
		charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	line.AddSeries("Lower bound", lower,
		charts.WithLineStyleOpts(opts.LineStyle{Opacity: opts.Float(0.5)}))
	line.AddSeries("Upper bound", upper,
		charts.WithLineStyleOpts(opts.LineStyle{Opacity: opts.Float(0.5)}))
	return line
}

// goalChart plots the cumulative first-year forecast against a linear
// trajectory to the annual goal.
func goalChart(o *models.EntityOutcome) *charts.Line {
	fc := o.Forecast
	days := min(goalDays, len(fc.Horizon))

	labels := make([]string, days)
	trajectory := make([]opts.LineData, days)
	cumulative := make([]opts.LineData, days)
	for i, total := range forecast.Cumulative(fc.Point[:days]) {
		labels[i] = fc.Horizon[i].Format(dateLayout)
		cumulative[i] = opts.LineData{Value: total}
		trajectory[i] = opts.LineData{Value: o.Goal.Goal * float64(i+1) / goalDays}
	}

	status := "deficit"
	if o.Goal.Surplus() {
		status = "surplus"
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Forecast vs annual goal for " + string(o.Key),
			Subtitle: fmt.Sprintf("projection %.2f · goal %.2f · %s %.2f", o.Goal.Projection, o.Goal.Goal, status, o.Goal.Gap),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Cumulative sales"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("Cumulative forecast", cumulative)
	line.AddSeries("Goal trajectory", trajectory,
		charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	return line
}

func blank() opts.LineData { return opts.LineData{Value: missing} }

func validationLabel(v models.ValidationVerdict) string {
	if v.Passed {
		return "passed"
	}
	return "failed: " + strings.Join(v.FailedChecks, ", ")
}

func fileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}
