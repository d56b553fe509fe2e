package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"loop-dosing/internal/config"
	"loop-dosing/internal/dosing"
	"loop-dosing/internal/journal"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	return NewApp(cfg, "", zerolog.Nop())
}

func TestFactorPrintsScaledValue(t *testing.T) {
	a := testApp(t)
	var buf bytes.Buffer
	if err := a.Factor(250, 100, &buf); err != nil {
		t.Fatalf("Factor: %v", err)
	}
	if got := buf.String(); got != "glucose=250 lower=100 factor=0.800\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestFactorRejectsInvertedScale(t *testing.T) {
	a := testApp(t)
	if err := a.Factor(250, 195, &bytes.Buffer{}); err == nil {
		t.Fatal("expected invalid sliding scale")
	}
}

func TestSimulateDeliversScaledDose(t *testing.T) {
	a := testApp(t)
	var buf bytes.Buffer

	pump, err := a.Simulate(context.Background(), SimulateOptions{
		Glucose:   250,
		Age:       2 * time.Minute,
		Bolus:     2,
		BasalRate: 1.23,
	}, &buf)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	deliveries := pump.Deliveries()
	if len(deliveries) != 2 || deliveries[0].Kind != "temp_basal" || deliveries[1].Kind != "bolus" {
		t.Fatalf("expected basal then bolus, got %+v", deliveries)
	}
	out := buf.String()
	for _, want := range []string{"factor: 0.800", "bolus: 1.60 U", "temp basal: 1.20 U/h", "basal=succeeded bolus=succeeded"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSimulateStaleWithholds(t *testing.T) {
	a := testApp(t)
	var buf bytes.Buffer

	pump, err := a.Simulate(context.Background(), SimulateOptions{Glucose: 250, Age: 20 * time.Minute, Bolus: 2}, &buf)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(pump.Deliveries()) != 0 {
		t.Fatal("stale glucose must not reach the pump")
	}
	if !strings.Contains(buf.String(), "skipped: stale") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSimulateBusyPumpReportsFailure(t *testing.T) {
	a := testApp(t)
	var buf bytes.Buffer

	if _, err := a.Simulate(context.Background(), SimulateOptions{Glucose: 180, Bolus: 1, Busy: true}, &buf); err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !strings.Contains(buf.String(), "bolus=failed") {
		t.Fatalf("expected failed bolus:\n%s", buf.String())
	}
}

func TestSimulateValidatesInput(t *testing.T) {
	a := testApp(t)
	if _, err := a.Simulate(context.Background(), SimulateOptions{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected glucose error")
	}
}

func seedJournal(t *testing.T, path string, at ...time.Time) {
	t.Helper()
	j, err := journal.OpenSQLite(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer j.Close()
	for i, ts := range at {
		units := 0.5 + float64(i)
		rec := dosing.Record{
			ID:          uuid.New(),
			DeviceID:    "pump-1",
			Glucose:     180,
			Factor:      0.5,
			BolusUnits:  &units,
			BasalStatus: dosing.StatusNotAttempted,
			BolusStatus: dosing.StatusSucceeded,
			StartedAt:   ts,
			CompletedAt: ts,
		}
		if err := j.RecordEnactment(context.Background(), rec); err != nil {
			t.Fatalf("RecordEnactment: %v", err)
		}
	}
}

func TestExportCompressedCSV(t *testing.T) {
	dir := t.TempDir()
	a := testApp(t)
	a.Config.Journal.Path = filepath.Join(dir, "journal.db")

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seedJournal(t, a.Config.Journal.Path, base, base.Add(5*time.Minute))

	from, to := base.Add(-time.Hour), base.Add(time.Hour)
	out := filepath.Join(dir, "out", "enactments.csv.zst")
	if err := a.Export(context.Background(), ExportOptions{From: &from, To: &to, CSVPath: out}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	rows, err := csv.NewReader(dec).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "enactment_id" || rows[1][5] != "10.0" || rows[1][11] != "0.500" || rows[2][11] != "1.500" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a := testApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestShowAndPurge(t *testing.T) {
	dir := t.TempDir()
	a := testApp(t)
	a.Config.Journal.Path = filepath.Join(dir, "journal.db")

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seedJournal(t, a.Config.Journal.Path, base.Add(-48*time.Hour), base)

	var buf bytes.Buffer
	if err := a.Show(context.Background(), ShowOptions{Limit: 10}, &buf); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if !strings.Contains(buf.String(), "succeeded") || strings.Count(buf.String(), "\n") != 3 {
		t.Fatalf("unexpected show output:\n%s", buf.String())
	}

	buf.Reset()
	if err := a.Purge(context.Background(), base.Add(-24*time.Hour), &buf); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "purged 1 rows") {
		t.Fatalf("unexpected purge output %q", buf.String())
	}
}

func TestDownsampleRecords(t *testing.T) {
	records := make([]dosing.Record, 10)
	for i := range records {
		records[i].Glucose = float64(i)
	}
	got := downsampleRecords(records, 4)
	if len(got) != 4 || got[0].Glucose != 0 || got[3].Glucose != 9 {
		t.Fatalf("unexpected downsample %+v", got)
	}
	if len(downsampleRecords(records, 20)) != 10 {
		t.Fatal("short input should pass through")
	}
}
