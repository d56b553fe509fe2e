// Package dosing enacts dosing recommendations against a delivery device.
package dosing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger tags a bolus with who initiated it, for downstream audit.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// TempBasal is a temporary basal rate request.
type TempBasal struct {
	UnitsPerHour float64
	Duration     time.Duration
}

// Recommendation carries an optional basal adjustment and an optional bolus.
type Recommendation struct {
	TempBasal  *TempBasal
	BolusUnits *float64
}

// IsEmpty reports whether the recommendation asks for nothing.
func (r Recommendation) IsEmpty() bool {
	return r.TempBasal == nil && r.BolusUnits == nil
}

// ScaleBolus returns a copy with the bolus multiplied by factor. The basal
// adjustment is unchanged.
func (r Recommendation) ScaleBolus(factor float64) Recommendation {
	out := Recommendation{TempBasal: r.TempBasal}
	if r.BolusUnits != nil {
		scaled := *r.BolusUnits * factor
		out.BolusUnits = &scaled
	}
	return out
}

// Validate enforces the enactment preconditions.
func (r Recommendation) Validate() error {
	if r.TempBasal != nil {
		if r.TempBasal.UnitsPerHour < 0 {
			return fmt.Errorf("%w: negative basal rate %g U/h", ErrInvalidRecommendation, r.TempBasal.UnitsPerHour)
		}
		if r.TempBasal.Duration <= 0 {
			return fmt.Errorf("%w: basal duration must be positive, got %v", ErrInvalidRecommendation, r.TempBasal.Duration)
		}
	}
	if r.BolusUnits != nil && *r.BolusUnits < 0 {
		return fmt.Errorf("%w: negative bolus %g U", ErrInvalidRecommendation, *r.BolusUnits)
	}
	return nil
}

// Device is the delivery capability. Both calls may block on device I/O and
// report failures as *DeviceError where possible.
type Device interface {
	SetTemporaryBasal(ctx context.Context, unitsPerHour float64, duration time.Duration) error
	DeliverBolus(ctx context.Context, units float64, trigger Trigger) error
}

// Status is the result of one enactment step.
type Status string

const (
	StatusNotAttempted Status = "not_attempted"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
)

// ActionOutcome is the tagged result of one step.
type ActionOutcome struct {
	Status Status
	Err    error
}

// Succeeded reports a successful step.
func (a ActionOutcome) Succeeded() bool { return a.Status == StatusSucceeded }

// Failed reports a failed step.
func (a ActionOutcome) Failed() bool { return a.Status == StatusFailed }

// Outcome is the write-once result of enacting one recommendation.
type Outcome struct {
	ID             uuid.UUID
	Recommendation Recommendation
	Basal          ActionOutcome
	Bolus          ActionOutcome
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Partial reports whether one step succeeded while the other failed.
func (o Outcome) Partial() bool {
	return (o.Basal.Succeeded() && o.Bolus.Failed()) || (o.Basal.Failed() && o.Bolus.Succeeded())
}

// AnyFailed reports whether any attempted step failed.
func (o Outcome) AnyFailed() bool {
	return o.Basal.Failed() || o.Bolus.Failed()
}
