package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func openTestJournal(t *testing.T) *SQLite {
	t.Helper()
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func record(at time.Time, bolus *float64) dosing.Record {
	return dosing.Record{
		ID:          uuid.New(),
		DeviceID:    "pump-1",
		Glucose:     150,
		Factor:      0.35,
		BolusUnits:  bolus,
		BasalStatus: dosing.StatusNotAttempted,
		BolusStatus: dosing.StatusSucceeded,
		StartedAt:   at,
		CompletedAt: at.Add(time.Second),
	}
}

func TestSQLiteRecordAndList(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	units := 0.4
	rate := 1.1
	first := record(t0, &units)
	second := record(t0.Add(5*time.Minute), nil)
	second.BasalRate = &rate
	second.BasalDuration = 30 * time.Minute
	second.BasalStatus = dosing.StatusFailed
	second.BasalError = "device busy"

	for _, rec := range []dosing.Record{first, second} {
		if err := j.RecordEnactment(ctx, rec); err != nil {
			t.Fatalf("RecordEnactment: %v", err)
		}
	}
	if err := j.RecordEnactment(ctx, first); err != nil {
		t.Fatalf("duplicate insert should be ignored, got %v", err)
	}

	recent, err := j.RecentEnactments(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEnactments: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", recent)
	}
	if recent[0].BasalRate == nil || *recent[0].BasalRate != 1.1 || recent[0].BasalDuration != 30*time.Minute {
		t.Fatalf("basal not round-tripped: %+v", recent[0])
	}
	if recent[0].BolusUnits != nil {
		t.Fatal("absent bolus should stay absent")
	}
	if recent[1].BolusUnits == nil || *recent[1].BolusUnits != 0.4 {
		t.Fatalf("bolus not round-tripped: %+v", recent[1])
	}

	window, err := j.EnactmentsBetween(ctx, t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("EnactmentsBetween: %v", err)
	}
	if len(window) != 1 || window[0].ID != first.ID {
		t.Fatalf("unexpected window %+v", window)
	}
}

func TestSQLitePurge(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	_ = j.RecordEnactment(ctx, record(t0.Add(-48*time.Hour), nil))
	_ = j.RecordEnactment(ctx, record(t0, nil))
	_ = j.RecordTransition(ctx, "pump-1", freshness.Transition{Stale: true, At: t0.Add(-48 * time.Hour), Reason: "old"})
	_ = j.RecordTransition(ctx, "pump-1", freshness.Transition{Stale: false, At: t0})

	n, err := j.PurgeBefore(ctx, t0.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows purged, got %d", n)
	}
	left, _ := j.RecentEnactments(ctx, 10)
	if len(left) != 1 {
		t.Fatalf("expected one enactment left, got %d", len(left))
	}
}

func TestNoop(t *testing.T) {
	var j Journal = Noop{}
	if err := j.RecordEnactment(context.Background(), dosing.Record{}); err != nil {
		t.Fatal(err)
	}
	recs, err := j.RecentEnactments(context.Background(), 5)
	if err != nil || len(recs) != 0 {
		t.Fatalf("unexpected %v %v", recs, err)
	}
}
