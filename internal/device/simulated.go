// Package device provides dosing.Device implementations.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loop-dosing/internal/dosing"
)

// Delivery is one command the simulated pump accepted.
type Delivery struct {
	At           time.Time
	Kind         string
	Units        float64
	UnitsPerHour float64
	Duration     time.Duration
	Trigger      dosing.Trigger
}

// Simulated is an in-memory pump that enforces device limits. It is used by
// `loopd simulate` and in tests.
type Simulated struct {
	id     string
	limits dosing.Limits
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	offline    bool
	busy       bool
	deliveries []Delivery
}

// NewSimulated constructs a simulated pump.
func NewSimulated(id string, limits dosing.Limits, logger zerolog.Logger) *Simulated {
	return &Simulated{
		id:     id,
		limits: limits,
		now:    time.Now,
		logger: logger.With().Str("component", "simulated_pump").Str("device", id).Logger(),
	}
}

// SetOffline makes every subsequent command fail as unreachable.
func (s *Simulated) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// SetBusy makes every subsequent command fail as busy.
func (s *Simulated) SetBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

// Deliveries returns a copy of the accepted commands.
func (s *Simulated) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

func (s *Simulated) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return dosing.NewDeviceError(dosing.FailureTimeout, "%v", err)
	}
	if s.offline {
		return dosing.NewDeviceError(dosing.FailureUnreachable, "pump %s offline", s.id)
	}
	if s.busy {
		return dosing.NewDeviceError(dosing.FailureBusy, "pump %s busy", s.id)
	}
	return nil
}

// SetTemporaryBasal implements dosing.Device.
func (s *Simulated) SetTemporaryBasal(ctx context.Context, unitsPerHour float64, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.limits.MaxBasalRate > 0 && unitsPerHour > s.limits.MaxBasalRate {
		return dosing.NewDeviceError(dosing.FailureRejected, "rate %g U/h exceeds max %g", unitsPerHour, s.limits.MaxBasalRate)
	}
	s.deliveries = append(s.deliveries, Delivery{At: s.now(), Kind: "temp_basal", UnitsPerHour: unitsPerHour, Duration: duration})
	s.logger.Debug().Float64("units_per_hour", unitsPerHour).Dur("duration", duration).Msg("temp basal accepted")
	return nil
}

// DeliverBolus implements dosing.Device.
func (s *Simulated) DeliverBolus(ctx context.Context, units float64, trigger dosing.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.limits.MaxBolus > 0 && units > s.limits.MaxBolus {
		return dosing.NewDeviceError(dosing.FailureRejected, "bolus %g U exceeds max %g", units, s.limits.MaxBolus)
	}
	s.deliveries = append(s.deliveries, Delivery{At: s.now(), Kind: "bolus", Units: units, Trigger: trigger})
	s.logger.Debug().Float64("units", units).Str("trigger", string(trigger)).Msg("bolus accepted")
	return nil
}

var _ dosing.Device = (*Simulated)(nil)
