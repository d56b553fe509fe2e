package dosing

import (
	"github.com/shopspring/decimal"
)

// Limits describe what a device can physically deliver.
type Limits struct {
	BolusIncrement float64
	BasalIncrement float64
	MaxBolus       float64
	MaxBasalRate   float64
}

// RoundDown truncates value to a whole multiple of increment using decimal
// arithmetic, so 0.3 with increment 0.1 stays 0.3. A non-positive increment
// returns value unchanged.
func RoundDown(value, increment float64) float64 {
	if increment <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	inc := decimal.NewFromFloat(increment)
	steps := v.Div(inc).Floor()
	f, _ := steps.Mul(inc).Float64()
	return f
}

// Conform rounds the recommendation down to device increments and clamps it
// to device maxima. Negative amounts are left for Validate to reject.
func (l Limits) Conform(rec Recommendation) Recommendation {
	out := Recommendation{}
	if rec.TempBasal != nil {
		rate := rec.TempBasal.UnitsPerHour
		if rate >= 0 {
			if l.MaxBasalRate > 0 && rate > l.MaxBasalRate {
				rate = l.MaxBasalRate
			}
			rate = RoundDown(rate, l.BasalIncrement)
		}
		out.TempBasal = &TempBasal{UnitsPerHour: rate, Duration: rec.TempBasal.Duration}
	}
	if rec.BolusUnits != nil {
		units := *rec.BolusUnits
		if units >= 0 {
			if l.MaxBolus > 0 && units > l.MaxBolus {
				units = l.MaxBolus
			}
			units = RoundDown(units, l.BolusIncrement)
		}
		out.BolusUnits = &units
	}
	return out
}
