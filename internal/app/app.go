package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"loop-dosing/internal/alerting"
	"loop-dosing/internal/config"
	"loop-dosing/internal/device"
	"loop-dosing/internal/dosing"
	"loop-dosing/internal/events"
	"loop-dosing/internal/freshness"
	"loop-dosing/internal/glucose"
	"loop-dosing/internal/journal"
	"loop-dosing/internal/nightscout"
	"loop-dosing/internal/predictor"
	"loop-dosing/internal/retrospective"
	"loop-dosing/internal/scheduler"
	"loop-dosing/internal/service"
	"loop-dosing/internal/storage"
	"loop-dosing/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
}

// NewApp constructs a new application handle. configPath enables hot reload
// in Run when set.
func NewApp(cfg *config.Config, configPath string, logger zerolog.Logger) *App {
	return &App{Config: cfg, ConfigPath: configPath, Logger: logger.With().Str("component", "app").Logger()}
}

var _ journal.Journal = (*storage.Store)(nil)

// auditBackend is the opened audit destination. store is set only for
// PostgreSQL, which also serves glucose and advisory locks.
type auditBackend struct {
	journal journal.Journal
	store   *storage.Store
	close   func()
}

func (a *App) openAudit(ctx context.Context) (*auditBackend, error) {
	if a.Config.Database.DSN != "" {
		store, err := storage.Open(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		return &auditBackend{journal: store, store: store, close: store.Close}, nil
	}
	if a.Config.Journal.Path != "" {
		if err := ensureDir(a.Config.Journal.Path); err != nil {
			return nil, fmt.Errorf("prepare journal dir: %w", err)
		}
		j, err := journal.OpenSQLite(a.Config.Journal.Path, a.Logger)
		if err != nil {
			return nil, err
		}
		return &auditBackend{journal: j, close: func() { _ = j.Close() }}, nil
	}
	return &auditBackend{journal: journal.Noop{}, close: func() {}}, nil
}

func (a *App) newSource(store *storage.Store) (glucose.Source, error) {
	ns := a.Config.Nightscout
	if ns.BaseURL != "" {
		return nightscout.NewClient(nightscout.Options{
			BaseURL:   ns.BaseURL,
			APISecret: ns.APISecret,
			APIToken:  ns.APIToken,
			UseToken:  ns.UseToken,
			Timeout:   ns.Timeout,
		}, a.Logger), nil
	}
	if store != nil {
		return store, nil
	}
	return nil, errors.New("no glucose source: set nightscout.base_url or database.dsn")
}

func (a *App) newPredictor() (predictor.Predictor, error) {
	ua := a.Config.Predictor.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return predictor.NewHTTPClient(predictor.HTTPOptions{
		BaseURL:   a.Config.Predictor.BaseURL,
		Timeout:   a.Config.Predictor.Timeout,
		UserAgent: ua,
	}, a.Logger)
}

func (a *App) connectMQTT() (paho.Client, error) {
	if !a.Config.MQTT.Enabled {
		return nil, nil
	}
	client, err := events.Connect(events.ConnectOptions{
		Broker:   a.Config.MQTT.Broker,
		ClientID: a.Config.MQTT.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("connect mqtt: %w", err)
	}
	return client, nil
}

func (a *App) limits() dosing.Limits {
	d := a.Config.Device
	return dosing.Limits{
		BolusIncrement: d.BolusIncrement,
		BasalIncrement: d.BasalIncrement,
		MaxBolus:       d.MaxBolus,
		MaxBasalRate:   d.MaxBasalRate,
	}
}

func (a *App) newDevice(client paho.Client) (dosing.Device, func(), error) {
	switch a.Config.Device.Kind {
	case "mqtt":
		if client == nil {
			return nil, nil, errors.New("device.kind mqtt requires an mqtt connection")
		}
		pump, err := device.NewMQTTPump(device.NewPahoTransport(client), device.MQTTPumpOptions{
			DeviceID:    a.Config.Device.ID,
			TopicPrefix: a.Config.MQTT.TopicPrefix,
			Timeout:     a.Config.Device.CommandTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return pump, func() { _ = pump.Close() }, nil
	default:
		a.Logger.Warn().Str("device_id", a.Config.Device.ID).Msg("using simulated pump; no insulin will be delivered")
		return device.NewSimulated(a.Config.Device.ID, a.limits(), a.Logger), func() {}, nil
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	tg := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewCooldown(tg, a.Config.Alerting.Cooldown, nil, a.Logger)
}

func (a *App) newMonitor(source glucose.Source) *freshness.Monitor {
	return freshness.New(source, freshness.Options{
		RecencyWindow: a.Config.Freshness.RecencyWindow,
		Tolerance:     a.Config.Freshness.RecheckTolerance,
		RetryBackoff:  a.Config.Freshness.RetryBackoff,
	}, a.Logger)
}

func (a *App) newEnactor() *dosing.Enactor {
	return dosing.NewEnactor(dosing.Options{CommandTimeout: a.Config.Device.CommandTimeout}, a.Logger)
}

// runtime is a fully wired service plus what must be released afterwards.
type runtime struct {
	svc     *service.Service
	monitor *freshness.Monitor
	audit   *auditBackend
	closers []func()
}

func (r *runtime) Close() {
	r.svc.Close()
	r.monitor.Close()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) buildRuntime(ctx context.Context, sched *scheduler.Scheduler) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		for i := len(rt.closers) - 1; i >= 0; i-- {
			rt.closers[i]()
		}
		return nil, err
	}

	audit, err := a.openAudit(ctx)
	if err != nil {
		return nil, err
	}
	rt.audit = audit
	rt.closers = append(rt.closers, audit.close)
	if audit.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; glucose history and advisory locks disabled")
	}

	source, err := a.newSource(audit.store)
	if err != nil {
		return fail(err)
	}
	pred, err := a.newPredictor()
	if err != nil {
		return fail(err)
	}

	client, err := a.connectMQTT()
	if err != nil {
		return fail(err)
	}
	var publisher events.Publisher
	if client != nil {
		pub := events.NewRealPublisher(client, a.Config.MQTT.TopicPrefix, true)
		publisher = pub
		rt.closers = append(rt.closers, func() { _ = pub.Close() })
	}

	dev, closeDev, err := a.newDevice(client)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, closeDev)

	rt.monitor = a.newMonitor(source)
	deps := service.Deps{
		Source:    source,
		Monitor:   rt.monitor,
		Corrector: retrospective.New(retrospective.Options{}, a.Logger),
		Predictor: pred,
		Enactor:   a.newEnactor(),
		Device:    dev,
		Audit:     audit.journal,
		Publisher: publisher,
		Notifier:  a.newNotifier(),
		Scheduler: sched,
	}
	if audit.store != nil {
		deps.Samples = audit.store
		deps.Locker = audit.store
	}

	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		rt.monitor.Close()
		return fail(err)
	}
	rt.svc = svc
	return rt, nil
}

// Run executes the long-running dosing loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	rt, err := a.buildRuntime(ctx, sched)
	if err != nil {
		return err
	}
	defer rt.Close()

	if a.ConfigPath != "" {
		if _, err := config.Watch(a.ConfigPath, func(next *config.Config) {
			if err := rt.svc.Apply(next); err != nil {
				a.Logger.Error().Err(err).Msg("config reload rejected")
			}
		}, func(err error) {
			a.Logger.Error().Err(err).Msg("config reload rejected")
		}); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	if a.Config.Retention.Enabled {
		maint, err := scheduler.NewMaintenance(ctx, rt.audit.journal, scheduler.MaintenanceOptions{
			Spec: a.Config.Retention.Cron,
			Keep: a.Config.Retention.Keep,
		}, a.Logger)
		if err != nil {
			return err
		}
		maint.Start()
		defer maint.Stop()
	}

	a.Logger.Info().Str("device_id", a.Config.Device.ID).Str("device_kind", a.Config.Device.Kind).Msg("starting dosing loop")
	err = rt.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("dosing loop stopped")
	return nil
}

// ExportOptions hold parameters for exporting the enactment history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe one offline cycle against the simulated pump.
type SimulateOptions struct {
	Glucose       float64
	Age           time.Duration
	Bolus         float64
	BasalRate     float64
	BasalDuration time.Duration
	Offline       bool
	Busy          bool
}
