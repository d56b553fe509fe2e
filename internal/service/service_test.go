package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"loop-dosing/internal/alerting"
	"loop-dosing/internal/config"
	"loop-dosing/internal/device"
	"loop-dosing/internal/dosing"
	"loop-dosing/internal/events"
	"loop-dosing/internal/freshness"
	"loop-dosing/internal/glucose"
	"loop-dosing/internal/predictor"
	"loop-dosing/internal/retrospective"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	samples []glucose.Sample
	err     error
}

func (f *fakeSource) LatestSample(_ context.Context, since time.Time) (glucose.Sample, bool, error) {
	if f.err != nil {
		return glucose.Sample{}, false, f.err
	}
	s, ok := glucose.Latest(f.samples)
	if !ok || s.Time.Before(since) {
		return glucose.Sample{}, false, nil
	}
	return s, true, nil
}

func (f *fakeSource) RecentSamples(context.Context, time.Time) ([]glucose.Sample, error) {
	return f.samples, f.err
}

type fakeAudit struct {
	mu          sync.Mutex
	enactments  []dosing.Record
	transitions []freshness.Transition
}

func (f *fakeAudit) RecordEnactment(_ context.Context, rec dosing.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enactments = append(f.enactments, rec)
	return nil
}

func (f *fakeAudit) RecordTransition(_ context.Context, _ string, t freshness.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
	// release, when set, holds every Notify until closed.
	release chan struct{}
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

type fakeLocker struct {
	acquired bool
	key      int64
	released bool
}

func (f *fakeLocker) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	f.key = key
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.released = true }, true, nil
}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

type fixture struct {
	svc       *Service
	source    *fakeSource
	pump      *device.Simulated
	pred      *predictor.Static
	audit     *fakeAudit
	publisher *events.FakePublisher
	notifier  *fakeNotifier
	locker    *fakeLocker
	monitor   *freshness.Monitor
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 5 * time.Minute, Lookback: time.Hour, AdvisoryLockKey: 0x6c6f6f70},
		Freshness: config.FreshnessConfig{RecencyWindow: 15 * time.Minute},
		Retrospective: config.RetrospectiveConfig{
			GroupingInterval: 30 * time.Minute,
			RecencyInterval:  15 * time.Minute,
			EffectDuration:   60 * time.Minute,
		},
		Scaling: config.ScalingConfig{
			Enabled:                     true,
			MinFactor:                   0.2,
			MaxFactor:                   0.8,
			MinGlucoseDeltaSlidingScale: 10,
			MaxGlucoseSlidingScale:      200,
		},
		Targets: config.TargetSchedule{{Start: "00:00", Lower: 100, Upper: 115}},
		Device: config.DeviceConfig{
			Kind:           "simulated",
			ID:             "pump-1",
			BolusIncrement: 0.05,
			BasalIncrement: 0.05,
			MaxBolus:       10,
			MaxBasalRate:   5,
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	limits := dosing.Limits{MaxBolus: cfg.Device.MaxBolus, MaxBasalRate: cfg.Device.MaxBasalRate}

	bolus := 2.0
	f := &fixture{
		source: &fakeSource{samples: []glucose.Sample{
			{Time: now.Add(-7 * time.Minute), Value: 240},
			{Time: now.Add(-2 * time.Minute), Value: 250},
		}},
		pump: device.NewSimulated(cfg.Device.ID, limits, logger),
		pred: &predictor.Static{Recommendation: dosing.Recommendation{
			TempBasal:  &dosing.TempBasal{UnitsPerHour: 1.23, Duration: 30 * time.Minute},
			BolusUnits: &bolus,
		}},
		audit:     &fakeAudit{},
		publisher: events.NewFakePublisher(),
		notifier:  &fakeNotifier{},
		locker:    &fakeLocker{acquired: true},
	}
	f.monitor = freshness.New(f.source, freshness.Options{
		RecencyWindow: cfg.Freshness.RecencyWindow,
		Now:           func() time.Time { return now },
		AfterFunc:     func(time.Duration, func()) freshness.Timer { return idleTimer{} },
	}, logger)

	svc, err := New(cfg, Deps{
		Source:    f.source,
		Monitor:   f.monitor,
		Corrector: retrospective.New(retrospective.Options{}, logger),
		Predictor: f.pred,
		Enactor:   dosing.NewEnactor(dosing.Options{Now: func() time.Time { return now }}, logger),
		Device:    f.pump,
		Audit:     f.audit,
		Locker:    f.locker,
		Publisher: f.publisher,
		Notifier:  f.notifier,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)
	f.svc = svc
	return f
}

func TestRunCycleEnactsScaledDose(t *testing.T) {
	f := newFixture(t, testConfig())

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Skipped != "" {
		t.Fatalf("unexpected skip %q", res.Skipped)
	}
	if res.Factor != 0.8 {
		t.Fatalf("expected factor 0.8 at 250 mg/dL, got %v", res.Factor)
	}
	if res.Record == nil {
		t.Fatal("expected an enactment record")
	}

	deliveries := f.pump.Deliveries()
	if len(deliveries) != 2 || deliveries[0].Kind != "temp_basal" || deliveries[1].Kind != "bolus" {
		t.Fatalf("expected basal then bolus, got %+v", deliveries)
	}
	if math.Abs(deliveries[0].UnitsPerHour-1.2) > 1e-9 {
		t.Fatalf("basal should round down to 1.2, got %v", deliveries[0].UnitsPerHour)
	}
	if math.Abs(deliveries[1].Units-1.6) > 1e-9 {
		t.Fatalf("bolus should be 2.0*0.8=1.6, got %v", deliveries[1].Units)
	}
	if deliveries[1].Trigger != dosing.TriggerAutomatic {
		t.Fatalf("bolus should be automatic, got %s", deliveries[1].Trigger)
	}

	if len(f.audit.enactments) != 1 || f.audit.enactments[0].ID != res.Record.ID {
		t.Fatalf("enactment not audited: %+v", f.audit.enactments)
	}
	_, published := f.publisher.Snapshot()
	if len(published) != 1 {
		t.Fatalf("expected one published enactment, got %d", len(published))
	}
	if len(f.notifier.notes) != 0 {
		t.Fatalf("successful enactment should not alert: %+v", f.notifier.notes)
	}
	f.svc.Close()
	if len(f.audit.transitions) != 1 || f.audit.transitions[0].Stale {
		t.Fatalf("expected one fresh transition, got %+v", f.audit.transitions)
	}
	if !f.locker.released {
		t.Fatal("advisory lock should be released")
	}
}

func TestRunCycleWithholdsWhenStale(t *testing.T) {
	f := newFixture(t, testConfig())
	f.source.samples = []glucose.Sample{{Time: now.Add(-20 * time.Minute), Value: 250}}

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Skipped != SkipStale {
		t.Fatalf("expected stale skip, got %q", res.Skipped)
	}
	if len(f.pump.Deliveries()) != 0 {
		t.Fatal("stale input must not reach the device")
	}
	if len(f.audit.enactments) != 0 {
		t.Fatal("nothing should be audited")
	}
}

func TestStalenessOnsetAlerts(t *testing.T) {
	f := newFixture(t, testConfig())
	if _, err := f.svc.RunCycle(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	f.source.samples = []glucose.Sample{{Time: now.Add(-30 * time.Minute), Value: 250}}
	if _, err := f.svc.RunCycle(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	f.svc.Close()
	transitions, _ := f.publisher.Snapshot()
	if len(transitions) != 2 || transitions[0].Stale || !transitions[1].Stale {
		t.Fatalf("expected fresh then stale, got %+v", transitions)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Kind != alerting.KindStaleness {
		t.Fatalf("expected one staleness alert, got %+v", f.notifier.notes)
	}
}

func TestStalenessReportingDoesNotBlockMonitor(t *testing.T) {
	f := newFixture(t, testConfig())
	f.notifier.release = make(chan struct{})
	if _, err := f.svc.RunCycle(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	f.source.samples = []glucose.Sample{{Time: now.Add(-30 * time.Minute), Value: 250}}
	if _, err := f.svc.RunCycle(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	// the stale alert is stuck in Notify; the next batch must still land
	done := make(chan struct{})
	go func() {
		f.monitor.OnSamplesAvailable([]glucose.Sample{{Time: now.Add(-time.Minute), Value: 240}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor blocked behind a pending alert")
	}
	if f.monitor.IsStale() {
		t.Fatal("fresh batch should clear staleness")
	}

	close(f.notifier.release)
	f.svc.Close()
	transitions, _ := f.publisher.Snapshot()
	if len(transitions) != 3 || !transitions[1].Stale || transitions[2].Stale {
		t.Fatalf("expected fresh, stale, fresh; got %+v", transitions)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Kind != alerting.KindStaleness {
		t.Fatalf("expected one staleness alert, got %+v", f.notifier.notes)
	}
}

func TestRunCycleReadsTargetsInConfiguredZone(t *testing.T) {
	cfg := testConfig()
	cfg.Timezone = "Asia/Shanghai"
	cfg.Targets = config.TargetSchedule{
		{Start: "00:00", Lower: 100, Upper: 115},
		{Start: "12:00", Lower: 150, Upper: 160},
	}
	f := newFixture(t, cfg)
	f.source.samples = []glucose.Sample{{Time: now.Add(-2 * time.Minute), Value: 180}}

	// now is 08:00 UTC, 16:00 in Shanghai: lower 150 gives
	// 0.2 + (180-160)*0.6/40 = 0.5; the UTC morning segment would give 0.667.
	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Factor-0.5) > 1e-9 {
		t.Fatalf("expected factor 0.5 from the afternoon target, got %v", res.Factor)
	}
}

func TestApplyRejectsUnknownZone(t *testing.T) {
	f := newFixture(t, testConfig())
	bad := testConfig()
	bad.Timezone = "Mars/Olympus_Mons"
	if err := f.svc.Apply(bad); err == nil {
		t.Fatal("expected unknown timezone to be rejected")
	}
}

func TestRunCycleAlertsOnDeviceFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.pump.SetBusy(true)

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("device failure is not a cycle error: %v", err)
	}
	if res.Record.BasalStatus != dosing.StatusFailed || res.Record.BolusStatus != dosing.StatusFailed {
		t.Fatalf("both steps should fail independently: %+v", res.Record)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Kind != alerting.KindEnactmentFailure {
		t.Fatalf("expected enactment failure alert, got %+v", f.notifier.notes)
	}
	if len(f.audit.enactments) != 1 {
		t.Fatal("failed enactment should still be audited")
	}
}

func TestRunCycleScalingDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Scaling.Enabled = false
	f := newFixture(t, cfg)

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Factor != 1 || *res.Recommendation.BolusUnits != 2.0 {
		t.Fatalf("expected full bolus, got factor %v bolus %v", res.Factor, *res.Recommendation.BolusUnits)
	}
}

func TestRunCycleNothingToEnact(t *testing.T) {
	f := newFixture(t, testConfig())
	tiny := 0.01
	f.pred.Recommendation = dosing.Recommendation{BolusUnits: &tiny}

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != SkipNothing {
		t.Fatalf("bolus rounding to zero should skip, got %q", res.Skipped)
	}
	if len(f.pump.Deliveries()) != 0 {
		t.Fatal("device should not be called")
	}
}

func TestRunCycleSkipsWhenLocked(t *testing.T) {
	f := newFixture(t, testConfig())
	f.locker.acquired = false

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != SkipLocked {
		t.Fatalf("expected locked skip, got %q", res.Skipped)
	}
	if f.locker.key>>32 != 0x6c6f6f70 {
		t.Fatalf("lock key should be derived per device, got %x", f.locker.key)
	}
}

func TestRunCycleSourceError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.source.err = errors.New("nightscout down")

	if _, err := f.svc.RunCycle(context.Background(), now); err == nil {
		t.Fatal("expected fetch error")
	}
	if len(f.pump.Deliveries()) != 0 {
		t.Fatal("device should not be called")
	}
}

func TestRunCycleUsesRetrospectiveEffect(t *testing.T) {
	f := newFixture(t, testConfig())
	f.pred.Discrepancy = []retrospective.Discrepancy{
		{Start: now.Add(-32 * time.Minute), End: now.Add(-2 * time.Minute), Magnitude: 30},
	}

	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := res.TotalEffect.Value()
	if !ok || v != 30 {
		t.Fatalf("expected total effect 30, got %v %v", v, ok)
	}
}

func TestApplyRejectsInvertedScale(t *testing.T) {
	f := newFixture(t, testConfig())

	bad := testConfig()
	bad.Targets = config.TargetSchedule{{Start: "00:00", Lower: 195, Upper: 210}}
	if err := f.svc.Apply(bad); err == nil {
		t.Fatal("expected inverted sliding scale to be rejected")
	}

	next := testConfig()
	next.Scaling.Enabled = false
	if err := f.svc.Apply(next); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Factor != 1 {
		t.Fatalf("reloaded settings should disable scaling, got factor %v", res.Factor)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(testConfig(), Deps{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
