package retrospective

import "time"

// DefaultDecayStep is the spacing between effect points.
const DefaultDecayStep = 5 * time.Minute

// DecayFunc projects a glucose velocity (mg/dL per second) forward from start
// for duration, decaying it to zero.
type DecayFunc func(start time.Time, velocity float64, duration time.Duration) []Effect

// LinearDecay applies the full velocity over the first step, then reduces it
// linearly so the rate reaches zero at start+duration. The curve begins with
// a zero delta at start.
func LinearDecay(step time.Duration) DecayFunc {
	if step <= 0 {
		step = DefaultDecayStep
	}
	return func(start time.Time, velocity float64, duration time.Duration) []Effect {
		if duration <= 0 {
			return nil
		}

		steps := int(duration / step)
		if duration%step != 0 {
			steps++
		}

		effects := make([]Effect, 0, steps+1)
		effects = append(effects, Effect{Time: start, Delta: 0})

		stepSeconds := step.Seconds()
		decaySpan := (duration - step).Seconds()
		var slope float64
		if decaySpan > 0 {
			slope = -velocity / decaySpan
		}

		cumulative := 0.0
		for i := 1; i <= steps; i++ {
			elapsed := float64(i-1) * stepSeconds
			rate := velocity + slope*elapsed
			if (velocity > 0 && rate < 0) || (velocity < 0 && rate > 0) {
				rate = 0
			}
			cumulative += rate * stepSeconds
			effects = append(effects, Effect{
				Time:  start.Add(time.Duration(i) * step),
				Delta: cumulative,
			})
		}
		return effects
	}
}
