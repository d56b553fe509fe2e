package app

import (
	"context"
	"errors"
	"io"
	"time"

	"loop-dosing/internal/device"
	"loop-dosing/internal/dosing"
	"loop-dosing/internal/glucose"
	"loop-dosing/internal/journal"
	"loop-dosing/internal/predictor"
	"loop-dosing/internal/retrospective"
	"loop-dosing/internal/service"
)

// Simulate 使用模拟泵和固定血糖/推荐执行一次完整周期, 不连接任何外部服务。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, w io.Writer) (*device.Simulated, error) {
	if opts.Glucose <= 0 {
		return nil, errors.New("--glucose 必须大于 0")
	}
	if opts.Bolus < 0 || opts.BasalRate < 0 {
		return nil, errors.New("--bolus 与 --basal 不能为负")
	}

	now := time.Now().UTC()
	source := &staticSource{sample: glucose.Sample{Time: now.Add(-opts.Age), Value: opts.Glucose, Source: "simulated"}}

	rec := dosing.Recommendation{}
	if opts.BasalRate > 0 {
		duration := opts.BasalDuration
		if duration <= 0 {
			duration = 30 * time.Minute
		}
		rec.TempBasal = &dosing.TempBasal{UnitsPerHour: opts.BasalRate, Duration: duration}
	}
	if opts.Bolus > 0 {
		units := opts.Bolus
		rec.BolusUnits = &units
	}

	pump := device.NewSimulated(a.Config.Device.ID, a.limits(), a.Logger)
	pump.SetOffline(opts.Offline)
	pump.SetBusy(opts.Busy)

	monitor := a.newMonitor(source)
	defer monitor.Close()

	svc, err := service.New(a.Config, service.Deps{
		Source:    source,
		Monitor:   monitor,
		Corrector: retrospective.New(retrospective.Options{}, a.Logger),
		Predictor: &predictor.Static{Recommendation: rec},
		Enactor:   a.newEnactor(),
		Device:    pump,
		Audit:     journal.Noop{},
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	res, err := svc.RunCycle(ctx, now)
	if err != nil {
		return nil, err
	}
	printCycle(w, res)
	return pump, nil
}

type staticSource struct {
	sample glucose.Sample
}

func (s *staticSource) LatestSample(ctx context.Context, since time.Time) (glucose.Sample, bool, error) {
	if s.sample.Time.Before(since) {
		return glucose.Sample{}, false, nil
	}
	return s.sample, true, nil
}

func (s *staticSource) RecentSamples(ctx context.Context, since time.Time) ([]glucose.Sample, error) {
	if s.sample.Time.Before(since) {
		return nil, nil
	}
	return []glucose.Sample{s.sample}, nil
}

var _ glucose.Source = (*staticSource)(nil)
