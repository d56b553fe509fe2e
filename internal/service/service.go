// Package service runs the dosing cycle: glucose in, freshness gate,
// retrospective correction, recommendation, partial application, enactment,
// then audit, events and alerts.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"loop-dosing/internal/alerting"
	"loop-dosing/internal/config"
	"loop-dosing/internal/dosing"
	"loop-dosing/internal/events"
	"loop-dosing/internal/freshness"
	"loop-dosing/internal/glucose"
	"loop-dosing/internal/predictor"
	"loop-dosing/internal/retrospective"
	"loop-dosing/internal/scaling"
	"loop-dosing/internal/scheduler"
	"loop-dosing/internal/storage"
)

// SampleStore keeps copies of the inputs a cycle used.
type SampleStore interface {
	UpsertSamples(ctx context.Context, samples []glucose.Sample) error
	UpsertDiscrepancies(ctx context.Context, discrepancies []retrospective.Discrepancy) error
}

// Audit records enactments and staleness transitions.
type Audit interface {
	dosing.Recorder
	RecordTransition(ctx context.Context, deviceID string, t freshness.Transition) error
}

// Skip reasons reported in CycleResult.
const (
	SkipLocked  = "locked"
	SkipStale   = "stale"
	SkipNothing = "nothing_to_enact"
)

const (
	sideEffectTimeout = 10 * time.Second
	transitionBacklog = 32
)

// Deps are the collaborators of a Service. Source, Monitor, Corrector,
// Predictor, Enactor and Device are required; the rest may be nil.
type Deps struct {
	Source    glucose.Source
	Monitor   *freshness.Monitor
	Corrector *retrospective.Corrector
	Predictor predictor.Predictor
	Enactor   *dosing.Enactor
	Device    dosing.Device

	Samples   SampleStore
	Audit     Audit
	Locker    storage.AdvisoryLocker
	Publisher events.Publisher
	Notifier  alerting.Notifier
	Scheduler *scheduler.Scheduler
}

// settings is the slice of configuration a cycle reads. It is swapped as a
// whole on reload.
type settings struct {
	deviceID       string
	lockKey        int64
	lookback       time.Duration
	grouping       time.Duration
	recency        time.Duration
	effectDuration time.Duration
	scalingOn      bool
	scaler         *scaling.Scaler
	targets        config.TargetSchedule
	location       *time.Location
	limits         dosing.Limits
}

// CycleResult summarises one cycle.
type CycleResult struct {
	At             time.Time
	Skipped        string
	Glucose        glucose.Sample
	TotalEffect    retrospective.TotalEffect
	Factor         float64
	Recommendation dosing.Recommendation
	Record         *dosing.Record
}

// Service orchestrates one device's dosing loop.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	cfg     atomic.Pointer[settings]
	cycleMu sync.Mutex
	unsub   func()

	transMu     sync.Mutex
	transClosed bool
	transitions chan freshness.Transition
	transDone   chan struct{}
	closeOnce   sync.Once
}

// New constructs the service and subscribes to staleness transitions.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Source == nil || deps.Monitor == nil || deps.Corrector == nil || deps.Predictor == nil || deps.Enactor == nil || deps.Device == nil {
		return nil, errors.New("service: source, monitor, corrector, predictor, enactor and device are required")
	}
	s := &Service{
		deps:        deps,
		logger:      logger.With().Str("component", "service").Str("device_id", cfg.Device.ID).Logger(),
		transitions: make(chan freshness.Transition, transitionBacklog),
		transDone:   make(chan struct{}),
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	go s.reportTransitions()
	s.unsub = deps.Monitor.Subscribe(s.onTransition)
	return s, nil
}

// Apply swaps in the cycle settings from cfg. A cycle in flight keeps the
// snapshot it started with.
func (s *Service) Apply(cfg *config.Config) error {
	scaler, err := scaling.NewScaler(cfg.Scaling.Params(), cfg.Targets.LowerBounds()...)
	if err != nil {
		return fmt.Errorf("build scaler: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	next := &settings{
		deviceID:       cfg.Device.ID,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
		lookback:       cfg.Scheduler.Lookback,
		grouping:       cfg.Retrospective.GroupingInterval,
		recency:        cfg.Retrospective.RecencyInterval,
		effectDuration: cfg.Retrospective.EffectDuration,
		scalingOn:      cfg.Scaling.Enabled,
		scaler:         scaler,
		targets:        append(config.TargetSchedule(nil), cfg.Targets...),
		location:       loc,
		limits: dosing.Limits{
			BolusIncrement: cfg.Device.BolusIncrement,
			BasalIncrement: cfg.Device.BasalIncrement,
			MaxBolus:       cfg.Device.MaxBolus,
			MaxBasalRate:   cfg.Device.MaxBasalRate,
		},
	}
	if prev := s.cfg.Swap(next); prev != nil {
		s.logger.Info().Bool("scaling", next.scalingOn).Int("targets", len(next.targets)).Msg("cycle settings reloaded")
	}
	return nil
}

// Run begins the scheduled loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessCycle)
}

// Close drops the staleness subscription and waits for queued transition
// reports to finish. It is safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		s.transMu.Lock()
		s.transClosed = true
		close(s.transitions)
		s.transMu.Unlock()
		<-s.transDone
	})
}

// ProcessCycle adapts RunCycle to scheduler.TickFunc.
func (s *Service) ProcessCycle(ctx context.Context, at time.Time) error {
	_, err := s.RunCycle(ctx, at)
	return err
}

// RunCycle executes one dosing cycle for at. Cycles never interleave within
// the process, and across processes when an advisory locker is configured.
func (s *Service) RunCycle(ctx context.Context, at time.Time) (CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	set := s.cfg.Load()
	result := CycleResult{At: at, Factor: 1}

	unlock, proceed, err := s.acquireLock(ctx, set)
	if err != nil {
		return result, err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip cycle because advisory lock held elsewhere")
		result.Skipped = SkipLocked
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, at, set, result)
}

func (s *Service) executeCycle(ctx context.Context, at time.Time, set *settings, result CycleResult) (CycleResult, error) {
	samples, err := s.deps.Source.RecentSamples(ctx, at.Add(-set.lookback))
	if err != nil {
		// the monitor's own re-check keeps retrying with backoff
		return result, fmt.Errorf("fetch glucose: %w", err)
	}
	if s.deps.Samples != nil && len(samples) > 0 {
		if err := s.deps.Samples.UpsertSamples(ctx, samples); err != nil {
			s.logger.Error().Err(err).Int("samples", len(samples)).Msg("failed to store glucose samples")
		}
	}

	s.deps.Monitor.OnSamplesAvailable(samples)
	if s.deps.Monitor.IsStale() {
		s.logger.Warn().Time("at", at).Int("samples", len(samples)).Msg("glucose input stale; automation withheld")
		result.Skipped = SkipStale
		return result, nil
	}

	current, ok := glucose.Latest(samples)
	if !ok {
		result.Skipped = SkipStale
		return result, nil
	}
	result.Glucose = current

	discrepancies, err := s.deps.Predictor.Discrepancies(ctx, current.Time.Add(-set.recency-set.grouping))
	if err != nil {
		return result, fmt.Errorf("fetch discrepancies: %w", err)
	}
	if s.deps.Samples != nil && len(discrepancies) > 0 {
		if err := s.deps.Samples.UpsertDiscrepancies(ctx, discrepancies); err != nil {
			s.logger.Error().Err(err).Msg("failed to store discrepancies")
		}
	}

	effects := s.deps.Corrector.UpdateEffect(current, discrepancies, set.grouping, set.recency, set.effectDuration)
	result.TotalEffect = s.deps.Corrector.TotalEffect()

	target := set.targets.At(at.In(set.location))
	rec, err := s.deps.Predictor.Recommend(ctx, predictor.Input{
		At:               at,
		DeviceID:         set.deviceID,
		Current:          current,
		Glucose:          samples,
		CorrectionEffect: effects,
		TotalEffect:      result.TotalEffect,
		TargetLower:      target.Lower,
		TargetUpper:      target.Upper,
	})
	if err != nil {
		return result, fmt.Errorf("request recommendation: %w", err)
	}

	if set.scalingOn && rec.BolusUnits != nil {
		result.Factor = set.scaler.Factor(current.Value, target.Lower)
		rec = rec.ScaleBolus(result.Factor)
	}
	rec = set.limits.Conform(rec)
	result.Recommendation = rec

	if rec.TempBasal == nil && (rec.BolusUnits == nil || *rec.BolusUnits == 0) {
		s.logger.Info().Float64("glucose", current.Value).Float64("factor", result.Factor).Msg("nothing to enact")
		result.Skipped = SkipNothing
		return result, nil
	}

	out, err := s.deps.Enactor.Enact(ctx, rec, s.deps.Device)
	if err != nil {
		return result, fmt.Errorf("enact recommendation: %w", err)
	}

	record := dosing.NewRecord(set.deviceID, out, current.Value, result.Factor)
	result.Record = &record
	s.report(ctx, record, out)
	return result, nil
}

// report persists, publishes and alerts on an outcome. Failures here are
// logged only; the dose has already happened.
func (s *Service) report(ctx context.Context, record dosing.Record, out dosing.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if s.deps.Audit != nil {
		if err := s.deps.Audit.RecordEnactment(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("enactment_id", record.ID.String()).Msg("failed to persist enactment")
		}
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishEnactment(record); err != nil {
			s.logger.Error().Err(err).Str("enactment_id", record.ID.String()).Msg("failed to publish enactment")
		}
	}
	if out.AnyFailed() && s.deps.Notifier != nil {
		note := alerting.Notification{
			Kind:     alerting.KindEnactmentFailure,
			At:       record.CompletedAt,
			DeviceID: record.DeviceID,
			Title:    "enactment failed",
			Detail:   failureDetail(record),
		}
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("enactment_id", record.ID.String()).Msg("failed to dispatch alert")
		}
	}
}

func failureDetail(rec dosing.Record) string {
	detail := ""
	if rec.BasalStatus == dosing.StatusFailed {
		detail += fmt.Sprintf("Basal: %s\n", rec.BasalError)
	}
	if rec.BolusStatus == dosing.StatusFailed {
		detail += fmt.Sprintf("Bolus: %s\n", rec.BolusError)
	}
	return detail
}

// onTransition runs on the monitor's goroutine while it holds its emit lock,
// either inside a cycle or from the re-check timer. The I/O is queued.
func (s *Service) onTransition(t freshness.Transition) {
	s.logger.Info().Bool("stale", t.Stale).Str("reason", t.Reason).Time("at", t.At).Msg("staleness transition")

	s.transMu.Lock()
	defer s.transMu.Unlock()
	if s.transClosed {
		return
	}
	select {
	case s.transitions <- t:
	default:
		s.logger.Error().Bool("stale", t.Stale).Time("at", t.At).Msg("transition backlog full; report dropped")
	}
}

func (s *Service) reportTransitions() {
	defer close(s.transDone)
	for t := range s.transitions {
		s.reportTransition(t)
	}
}

func (s *Service) reportTransition(t freshness.Transition) {
	set := s.cfg.Load()
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if s.deps.Audit != nil {
		if err := s.deps.Audit.RecordTransition(ctx, set.deviceID, t); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist staleness transition")
		}
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishStaleness(set.deviceID, t); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish staleness transition")
		}
	}
	if t.Stale && s.deps.Notifier != nil {
		note := alerting.Notification{
			Kind:     alerting.KindStaleness,
			At:       t.At,
			DeviceID: set.deviceID,
			Title:    "glucose data stale",
			Detail:   t.Reason,
		}
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Msg("failed to dispatch staleness alert")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context, set *settings) (func(), bool, error) {
	if set.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, storage.DeviceLockKey(set.lockKey, set.deviceID))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
