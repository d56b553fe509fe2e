package dosing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configure the enactor.
type Options struct {
	// CommandTimeout bounds each device call. Zero leaves calls unbounded.
	CommandTimeout time.Duration
	Now            func() time.Time
}

// Enactor applies recommendations to a device. Each step is attempted at
// most once and the outcome of one step never blocks the other.
type Enactor struct {
	opts   Options
	logger zerolog.Logger
}

// NewEnactor constructs an Enactor.
func NewEnactor(opts Options, logger zerolog.Logger) *Enactor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Enactor{
		opts:   opts,
		logger: logger.With().Str("component", "dose_enactor").Logger(),
	}
}

// Enact sets the temporary basal first, then delivers the bolus when it is
// positive. Device calls run detached from ctx cancellation so a started
// delivery is never abandoned halfway. An error is returned only when the
// preconditions fail, in which case nothing reaches the device.
func (e *Enactor) Enact(ctx context.Context, rec Recommendation, device Device) (Outcome, error) {
	if device == nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidRecommendation, ErrNoDevice)
	}
	if err := rec.Validate(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		ID:             uuid.New(),
		Recommendation: rec,
		Basal:          ActionOutcome{Status: StatusNotAttempted},
		Bolus:          ActionOutcome{Status: StatusNotAttempted},
		StartedAt:      e.opts.Now(),
	}
	detached := context.WithoutCancel(ctx)

	if tb := rec.TempBasal; tb != nil {
		err := e.call(detached, func(c context.Context) error {
			return device.SetTemporaryBasal(c, tb.UnitsPerHour, tb.Duration)
		})
		out.Basal = result(err)
		ev := e.logger.Info()
		if err != nil {
			ev = e.logger.Error().Err(err).Str("kind", string(KindOf(err)))
		}
		ev.Str("enactment_id", out.ID.String()).
			Float64("units_per_hour", tb.UnitsPerHour).
			Dur("duration", tb.Duration).
			Str("status", string(out.Basal.Status)).
			Msg("temporary basal")
	}

	if rec.BolusUnits != nil && *rec.BolusUnits > 0 {
		units := *rec.BolusUnits
		err := e.call(detached, func(c context.Context) error {
			return device.DeliverBolus(c, units, TriggerAutomatic)
		})
		out.Bolus = result(err)
		ev := e.logger.Info()
		if err != nil {
			ev = e.logger.Error().Err(err).Str("kind", string(KindOf(err)))
		}
		ev.Str("enactment_id", out.ID.String()).
			Float64("units", units).
			Str("status", string(out.Bolus.Status)).
			Msg("bolus")
	}

	out.CompletedAt = e.opts.Now()
	return out, nil
}

func (e *Enactor) call(ctx context.Context, fn func(context.Context) error) error {
	if e.opts.CommandTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()
	return fn(callCtx)
}

func result(err error) ActionOutcome {
	if err != nil {
		return ActionOutcome{Status: StatusFailed, Err: err}
	}
	return ActionOutcome{Status: StatusSucceeded}
}
