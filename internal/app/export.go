package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	chart "github.com/wcharczuk/go-chart/v2"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/glucose"
)

// Export renders the enactment history as CSV and/or PNG. A CSV path ending
// in .zst is zstd-compressed.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	audit, err := a.openAudit(ctx)
	if err != nil {
		return err
	}
	defer audit.close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := audit.journal.EnactmentsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no enactments found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting enactments")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []dosing.Record, max int) []dosing.Record {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]dosing.Record, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

var csvHeader = []string{
	"enactment_id", "device_id", "started_at", "completed_at", "glucose_mgdl", "glucose_mmol", "factor",
	"basal_units_per_hour", "basal_duration_min", "basal_status", "basal_error",
	"bolus_units", "bolus_status", "bolus_error",
}

func writeRecordsCSV(path string, records []dosing.Record) (err error) {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var out io.Writer = file
	if strings.HasSuffix(path, ".zst") {
		encoder, encErr := zstd.NewWriter(file)
		if encErr != nil {
			return fmt.Errorf("create zstd encoder: %w", encErr)
		}
		defer func() {
			if cerr := encoder.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("finalize compression: %w", cerr)
			}
		}()
		out = encoder
	}

	return encodeCSV(out, records)
}

func encodeCSV(w io.Writer, records []dosing.Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.ID.String(),
			rec.DeviceID,
			rec.StartedAt.UTC().Format(time.RFC3339),
			rec.CompletedAt.UTC().Format(time.RFC3339),
			formatFloat(rec.Glucose, 1),
			formatFloat(glucose.ToMmol(rec.Glucose), 1),
			formatFloat(rec.Factor, 4),
			csvOptional(rec.BasalRate, 3),
			strconv.FormatFloat(rec.BasalDuration.Minutes(), 'f', -1, 64),
			string(rec.BasalStatus),
			rec.BasalError,
			csvOptional(rec.BolusUnits, 3),
			string(rec.BolusStatus),
			rec.BolusError,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvOptional(v *float64, places int32) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v, places)
}

func writeRecordsPNG(path string, records []dosing.Record) error {
	if len(records) < 2 {
		return errors.New("at least two enactments are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	basal := make([]float64, len(records))
	bolus := make([]float64, len(records))
	glucoseValues := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.CompletedAt
		if rate, ok := rec.DeliveredBasalRate(); ok {
			basal[i] = rate
		}
		bolus[i] = rec.DeliveredBolus()
		glucoseValues[i] = rec.Glucose
	}

	unitsFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Insulin (U, U/h)",
			ValueFormatter: unitsFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Glucose (mg/dL)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Temp basal U/h",
				XValues: x,
				YValues: basal,
			},
			chart.TimeSeries{
				Name:    "Bolus U",
				XValues: x,
				YValues: bolus,
			},
			chart.TimeSeries{
				Name:    "Glucose",
				XValues: x,
				YValues: glucoseValues,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
