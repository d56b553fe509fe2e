// Package glucose holds glucose observations and the source interface the
// dosing core reads them through.
package glucose

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Unit is the single internal glucose unit.
const Unit = "mg/dL"

// ErrNoSource indicates no glucose source was configured.
var ErrNoSource = errors.New("glucose: source not configured")

// Sample is an immutable glucose observation in mg/dL.
type Sample struct {
	Time   time.Time
	Value  float64
	Source string
}

// Source yields glucose observations from an acquisition collaborator.
type Source interface {
	// LatestSample returns the newest sample at or after since. The bool is
	// false when no such sample exists.
	LatestSample(ctx context.Context, since time.Time) (Sample, bool, error)
	// RecentSamples returns samples at or after since ordered by time.
	RecentSamples(ctx context.Context, since time.Time) ([]Sample, error)
}

// Latest returns the sample with the greatest timestamp.
func Latest(samples []Sample) (Sample, bool) {
	if len(samples) == 0 {
		return Sample{}, false
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if s.Time.After(latest.Time) {
			latest = s
		}
	}
	return latest, true
}

// SortByTime orders samples oldest first without modifying the input.
func SortByTime(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// ToMmol converts a mg/dL value to mmol/L.
func ToMmol(mgdl float64) float64 {
	return mgdl / 18.0182
}
