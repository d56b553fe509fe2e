package config

import (
	"fmt"
	"time"
)

// TargetEntry is one daily segment of the glucose target range, in mg/dL.
// The segment runs from Start until the next entry's Start.
type TargetEntry struct {
	Start string  `mapstructure:"start"`
	Lower float64 `mapstructure:"lower"`
	Upper float64 `mapstructure:"upper"`
}

// TargetRange is the effective target at a moment.
type TargetRange struct {
	Lower float64
	Upper float64
}

// TargetSchedule is ordered by Start.
type TargetSchedule []TargetEntry

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid start %q, expected HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Validate checks ordering and bounds.
func (s TargetSchedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("targets: at least one entry is required")
	}
	prev := time.Duration(-1)
	for i, e := range s {
		offset, err := parseClock(e.Start)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if offset <= prev {
			return fmt.Errorf("targets[%d]: start %s must be after the previous entry", i, e.Start)
		}
		prev = offset
		if e.Lower <= 0 || e.Upper < e.Lower {
			return fmt.Errorf("targets[%d]: need 0 < lower <= upper, got [%g,%g]", i, e.Lower, e.Upper)
		}
	}
	return nil
}

// LowerBounds lists every configured lower bound.
func (s TargetSchedule) LowerBounds() []float64 {
	out := make([]float64, 0, len(s))
	for _, e := range s {
		out = append(out, e.Lower)
	}
	return out
}

// At returns the target in force at t, evaluated in t's location. Times before
// the first entry fall into the last entry of the previous day.
func (s TargetSchedule) At(t time.Time) TargetRange {
	if len(s) == 0 {
		return TargetRange{}
	}
	clock := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	current := s[len(s)-1]
	for _, e := range s {
		offset, err := parseClock(e.Start)
		if err != nil {
			continue
		}
		if offset > clock {
			break
		}
		current = e
	}
	return TargetRange{Lower: current.Lower, Upper: current.Upper}
}
