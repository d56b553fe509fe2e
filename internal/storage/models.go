package storage

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loop-dosing/internal/dosing"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS glucose_samples (
    sample_ts  TIMESTAMPTZ PRIMARY KEY,
    mgdl       NUMERIC(6,1) NOT NULL,
    source     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS discrepancies (
    start_ts   TIMESTAMPTZ NOT NULL,
    end_ts     TIMESTAMPTZ NOT NULL,
    magnitude  NUMERIC(8,3) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (start_ts, end_ts)
);

CREATE TABLE IF NOT EXISTS enactments (
    id                UUID PRIMARY KEY,
    device_id         TEXT NOT NULL,
    glucose_mgdl      NUMERIC(6,1) NOT NULL,
    factor            NUMERIC(5,4) NOT NULL,
    basal_rate        NUMERIC(6,3),
    basal_duration_s  BIGINT NOT NULL DEFAULT 0,
    bolus_units       NUMERIC(6,3),
    basal_status      TEXT NOT NULL,
    basal_error       TEXT NOT NULL DEFAULT '',
    bolus_status      TEXT NOT NULL,
    bolus_error       TEXT NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ NOT NULL,
    completed_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS enactments_completed_idx ON enactments (completed_at);

CREATE TABLE IF NOT EXISTS staleness_transitions (
    id         BIGSERIAL PRIMARY KEY,
    device_id  TEXT NOT NULL,
    stale      BOOLEAN NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS staleness_transitions_at_idx ON staleness_transitions (at);
`

// DeviceLockKey derives the advisory lock key serialising cycles for one
// device across instances.
func DeviceLockKey(base int64, deviceID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return base<<32 | int64(h.Sum32())
}

// enactmentRow is the column form of a dosing.Record.
type enactmentRow struct {
	ID             uuid.UUID
	DeviceID       string
	Glucose        string
	Factor         string
	BasalRate      *string
	BasalDurationS int64
	BolusUnits     *string
	BasalStatus    string
	BasalError     string
	BolusStatus    string
	BolusError     string
	StartedAt      time.Time
	CompletedAt    time.Time
}

func decimalString(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).String()
}

func optionalDecimal(v *float64, places int32) *string {
	if v == nil {
		return nil
	}
	s := decimalString(*v, places)
	return &s
}

func toEnactmentRow(rec dosing.Record) enactmentRow {
	return enactmentRow{
		ID:             rec.ID,
		DeviceID:       rec.DeviceID,
		Glucose:        decimalString(rec.Glucose, 1),
		Factor:         decimalString(rec.Factor, 4),
		BasalRate:      optionalDecimal(rec.BasalRate, 3),
		BasalDurationS: int64(rec.BasalDuration / time.Second),
		BolusUnits:     optionalDecimal(rec.BolusUnits, 3),
		BasalStatus:    string(rec.BasalStatus),
		BasalError:     rec.BasalError,
		BolusStatus:    string(rec.BolusStatus),
		BolusError:     rec.BolusError,
		StartedAt:      rec.StartedAt.UTC(),
		CompletedAt:    rec.CompletedAt.UTC(),
	}
}

func parseOptional(s *string, field string) (*float64, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	v := d.InexactFloat64()
	return &v, nil
}

func (r enactmentRow) record() (dosing.Record, error) {
	glucose, err := decimal.NewFromString(r.Glucose)
	if err != nil {
		return dosing.Record{}, fmt.Errorf("parse glucose: %w", err)
	}
	factor, err := decimal.NewFromString(r.Factor)
	if err != nil {
		return dosing.Record{}, fmt.Errorf("parse factor: %w", err)
	}
	basal, err := parseOptional(r.BasalRate, "basal rate")
	if err != nil {
		return dosing.Record{}, err
	}
	bolus, err := parseOptional(r.BolusUnits, "bolus units")
	if err != nil {
		return dosing.Record{}, err
	}
	return dosing.Record{
		ID:            r.ID,
		DeviceID:      r.DeviceID,
		Glucose:       glucose.InexactFloat64(),
		Factor:        factor.InexactFloat64(),
		BasalRate:     basal,
		BasalDuration: time.Duration(r.BasalDurationS) * time.Second,
		BolusUnits:    bolus,
		BasalStatus:   dosing.Status(r.BasalStatus),
		BasalError:    r.BasalError,
		BolusStatus:   dosing.Status(r.BolusStatus),
		BolusError:    r.BolusError,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}, nil
}
