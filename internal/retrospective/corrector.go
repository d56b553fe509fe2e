// Package retrospective turns recent prediction error into a decaying glucose
// effect that is folded back into the next prediction.
package retrospective

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loop-dosing/internal/glucose"
)

// Discrepancy is the observed minus predicted glucose change over [Start, End).
type Discrepancy struct {
	Start     time.Time
	End       time.Time
	Magnitude float64
}

// SortByEnd orders discrepancies oldest end first without modifying the input.
func SortByEnd(discrepancies []Discrepancy) []Discrepancy {
	out := make([]Discrepancy, len(discrepancies))
	copy(out, discrepancies)
	sort.SliceStable(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return out
}

// Effect is one point of a correction curve: cumulative glucose delta in
// mg/dL at Time.
type Effect struct {
	Time  time.Time
	Delta float64
}

// TotalEffect is the magnitude driving the latest correction, or absent when
// no recent discrepancy exists.
type TotalEffect struct {
	magnitude float64
	present   bool
}

// Present returns a TotalEffect holding magnitude.
func Present(magnitude float64) TotalEffect {
	return TotalEffect{magnitude: magnitude, present: true}
}

// Absent returns the empty TotalEffect.
func Absent() TotalEffect {
	return TotalEffect{}
}

// Value returns the magnitude and whether one is present.
func (t TotalEffect) Value() (float64, bool) {
	return t.magnitude, t.present
}

// IsPresent reports whether a magnitude is held.
func (t TotalEffect) IsPresent() bool {
	return t.present
}

// Options tune the corrector.
type Options struct {
	// Decay turns a starting velocity into an effect curve. Defaults to
	// LinearDecay with five minute steps.
	Decay DecayFunc
}

// Corrector computes retrospective correction effects. UpdateEffect is meant
// to be called from one dosing cycle at a time; TotalEffect may be read from
// any goroutine.
type Corrector struct {
	decay  DecayFunc
	logger zerolog.Logger

	mu    sync.RWMutex
	total TotalEffect
}

// New constructs a Corrector.
func New(opts Options, logger zerolog.Logger) *Corrector {
	decay := opts.Decay
	if decay == nil {
		decay = LinearDecay(DefaultDecayStep)
	}
	return &Corrector{
		decay:  decay,
		logger: logger.With().Str("component", "retrospective").Logger(),
	}
}

// TotalEffect returns the magnitude behind the most recent curve.
func (c *Corrector) TotalEffect() TotalEffect {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// UpdateEffect recomputes the correction curve for current. Only the latest
// discrepancy is used; it is ignored when it ended more than recency before
// the current glucose reading.
func (c *Corrector) UpdateEffect(current glucose.Sample, discrepancies []Discrepancy, grouping, recency, duration time.Duration) []Effect {
	if len(discrepancies) == 0 {
		c.setTotal(Absent())
		return nil
	}

	last := discrepancies[len(discrepancies)-1]
	if current.Time.Sub(last.End) > recency {
		c.logger.Debug().Time("discrepancy_end", last.End).Dur("recency", recency).Msg("latest discrepancy too old; correction cleared")
		c.setTotal(Absent())
		return nil
	}

	c.setTotal(Present(last.Magnitude))

	interval := last.End.Sub(last.Start)
	if interval < grouping {
		interval = grouping
	}
	if interval <= 0 {
		return nil
	}

	velocity := last.Magnitude / interval.Seconds()
	effects := c.decay(current.Time, velocity, duration)

	c.logger.Debug().
		Float64("magnitude", last.Magnitude).
		Float64("velocity_per_min", velocity*60).
		Int("points", len(effects)).
		Msg("retrospective correction updated")
	return effects
}

func (c *Corrector) setTotal(t TotalEffect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = t
}
