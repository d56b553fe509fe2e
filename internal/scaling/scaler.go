// Package scaling computes the partial application factor that throttles how
// much of a recommended dose is delivered.
package scaling

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSlidingScale reports a configuration that cannot produce a
// non-negative ramp.
var ErrInvalidSlidingScale = errors.New("scaling: invalid sliding scale")

// Params configure the linear ramp. Glucose values are mg/dL.
type Params struct {
	MinFactor                   float64
	MaxFactor                   float64
	MinGlucoseDeltaSlidingScale float64
	MaxGlucoseSlidingScale      float64
}

// Validate checks the factor bounds and that the ramp rises for every target
// lower bound in lowerBounds.
func (p Params) Validate(lowerBounds ...float64) error {
	if math.IsNaN(p.MinFactor) || math.IsNaN(p.MaxFactor) {
		return fmt.Errorf("%w: factors must be numbers", ErrInvalidSlidingScale)
	}
	if p.MinFactor < 0 || p.MaxFactor > 1 {
		return fmt.Errorf("%w: factors must lie in [0,1], got [%g,%g]", ErrInvalidSlidingScale, p.MinFactor, p.MaxFactor)
	}
	if p.MinFactor > p.MaxFactor {
		return fmt.Errorf("%w: min factor %g exceeds max factor %g", ErrInvalidSlidingScale, p.MinFactor, p.MaxFactor)
	}
	for _, lower := range lowerBounds {
		base := p.MinGlucoseDeltaSlidingScale + lower
		if p.MaxGlucoseSlidingScale <= base {
			return fmt.Errorf("%w: max glucose %g must exceed %g (target lower bound %g + delta %g)",
				ErrInvalidSlidingScale, p.MaxGlucoseSlidingScale, base, lower, p.MinGlucoseDeltaSlidingScale)
		}
	}
	return nil
}

// Scaler maps current glucose to a factor in [MinFactor, MaxFactor].
type Scaler struct {
	params Params
}

// NewScaler validates params against the configured target lower bounds.
func NewScaler(params Params, lowerBounds ...float64) (*Scaler, error) {
	if err := params.Validate(lowerBounds...); err != nil {
		return nil, err
	}
	return &Scaler{params: params}, nil
}

// Params returns the scaler configuration.
func (s *Scaler) Params() Params {
	return s.params
}

// Factor returns the partial application factor for currentGlucose given the
// target range lower bound. A lower bound that would invert the ramp yields
// MinFactor.
func (s *Scaler) Factor(currentGlucose, targetLowerBound float64) float64 {
	p := s.params
	base := p.MinGlucoseDeltaSlidingScale + targetLowerBound
	span := p.MaxGlucoseSlidingScale - base
	if span <= 0 {
		return p.MinFactor
	}

	slope := (p.MaxFactor - p.MinFactor) / span
	scalingGlucose := math.Max(currentGlucose-base, 0)
	return math.Min(p.MinFactor+scalingGlucose*slope, p.MaxFactor)
}

// Factor is the stateless form of Scaler.Factor. It fails on a configuration
// that would produce a negative slope.
func Factor(currentGlucose, targetLowerBound, minFactor, maxFactor, minGlucoseDeltaSlidingScale, maxGlucoseSlidingScale float64) (float64, error) {
	s, err := NewScaler(Params{
		MinFactor:                   minFactor,
		MaxFactor:                   maxFactor,
		MinGlucoseDeltaSlidingScale: minGlucoseDeltaSlidingScale,
		MaxGlucoseSlidingScale:      maxGlucoseSlidingScale,
	}, targetLowerBound)
	if err != nil {
		return 0, err
	}
	return s.Factor(currentGlucose, targetLowerBound), nil
}
