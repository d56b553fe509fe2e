package dosing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is the flattened, persistable form of an Outcome.
type Record struct {
	ID            uuid.UUID
	DeviceID      string
	Glucose       float64
	Factor        float64
	BasalRate     *float64
	BasalDuration time.Duration
	BolusUnits    *float64
	BasalStatus   Status
	BasalError    string
	BolusStatus   Status
	BolusError    string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// NewRecord flattens out for persistence. glucose and factor are the inputs
// the cycle used to size the bolus.
func NewRecord(deviceID string, out Outcome, glucose, factor float64) Record {
	rec := Record{
		ID:          out.ID,
		DeviceID:    deviceID,
		Glucose:     glucose,
		Factor:      factor,
		BasalStatus: out.Basal.Status,
		BolusStatus: out.Bolus.Status,
		StartedAt:   out.StartedAt,
		CompletedAt: out.CompletedAt,
	}
	if tb := out.Recommendation.TempBasal; tb != nil {
		rate := tb.UnitsPerHour
		rec.BasalRate = &rate
		rec.BasalDuration = tb.Duration
	}
	if out.Recommendation.BolusUnits != nil {
		units := *out.Recommendation.BolusUnits
		rec.BolusUnits = &units
	}
	if out.Basal.Err != nil {
		rec.BasalError = out.Basal.Err.Error()
	}
	if out.Bolus.Err != nil {
		rec.BolusError = out.Bolus.Err.Error()
	}
	return rec
}

// DeliveredBolus returns the bolus units that reached the device.
func (r Record) DeliveredBolus() float64 {
	if r.BolusStatus != StatusSucceeded || r.BolusUnits == nil {
		return 0
	}
	return *r.BolusUnits
}

// DeliveredBasalRate returns the temporary basal rate the device accepted.
func (r Record) DeliveredBasalRate() (float64, bool) {
	if r.BasalStatus != StatusSucceeded || r.BasalRate == nil {
		return 0, false
	}
	return *r.BasalRate, true
}

// Recorder persists enactment records.
type Recorder interface {
	RecordEnactment(ctx context.Context, rec Record) error
}

// Reader lists persisted enactment records.
type Reader interface {
	RecentEnactments(ctx context.Context, limit int) ([]Record, error)
	EnactmentsBetween(ctx context.Context, from, to time.Time) ([]Record, error)
}
