package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"loop-dosing/internal/config"
	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, _, err := s.LatestSample(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("LatestSample: expected ErrNotConfigured, got %v", err)
	}
	if err := s.RecordEnactment(ctx, dosing.Record{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("RecordEnactment: expected ErrNotConfigured, got %v", err)
	}
	if err := s.RecordTransition(ctx, "p", freshness.Transition{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("RecordTransition: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.PurgeBefore(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("PurgeBefore: expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("expected error without dsn")
	}
}

func TestDeviceLockKeyIsStablePerDevice(t *testing.T) {
	a := DeviceLockKey(0x6c6f6f70, "pump-1")
	if a != DeviceLockKey(0x6c6f6f70, "pump-1") {
		t.Fatal("key must be deterministic")
	}
	if a == DeviceLockKey(0x6c6f6f70, "pump-2") {
		t.Fatal("different devices should get different keys")
	}
	if a>>32 != 0x6c6f6f70 {
		t.Fatalf("base not preserved in high bits: %x", a)
	}
}

func TestEnactmentRowConversion(t *testing.T) {
	rate := 1.2345
	units := 0.35
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("CET", 3600))
	rec := dosing.Record{
		ID:            uuid.New(),
		DeviceID:      "pump-1",
		Glucose:       172.44,
		Factor:        0.43333,
		BasalRate:     &rate,
		BasalDuration: 30 * time.Minute,
		BolusUnits:    &units,
		BasalStatus:   dosing.StatusFailed,
		BasalError:    "device busy",
		BolusStatus:   dosing.StatusSucceeded,
		StartedAt:     started,
		CompletedAt:   started.Add(2 * time.Second),
	}

	row := toEnactmentRow(rec)
	if row.Glucose != "172.4" || row.Factor != "0.4333" || *row.BasalRate != "1.235" || *row.BolusUnits != "0.35" {
		t.Fatalf("unexpected decimal columns %+v", row)
	}
	if row.BasalDurationS != 1800 {
		t.Fatalf("expected 1800s, got %d", row.BasalDurationS)
	}
	if row.StartedAt.Location() != time.UTC {
		t.Fatal("timestamps should be stored in UTC")
	}

	back, err := row.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if back.BasalDuration != 30*time.Minute || back.BasalStatus != dosing.StatusFailed || *back.BolusUnits != 0.35 {
		t.Fatalf("unexpected record %+v", back)
	}

	row.BolusUnits = nil
	back, err = row.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if back.BolusUnits != nil {
		t.Fatal("NULL bolus should stay absent")
	}

	bad := "abc"
	row.BasalRate = &bad
	if _, err := row.record(); err == nil {
		t.Fatal("expected parse error")
	}
}
