package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger deletes audit rows older than a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// MaintenanceOptions configure retention.
type MaintenanceOptions struct {
	// Spec is a six-field cron expression (seconds first).
	Spec    string
	Keep    time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

// Maintenance prunes the audit trail on a cron schedule.
type Maintenance struct {
	cron   *cron.Cron
	purger Purger
	opts   MaintenanceOptions
	ctx    context.Context
	logger zerolog.Logger
}

// NewMaintenance registers the retention job. It does not start the cron.
func NewMaintenance(ctx context.Context, purger Purger, opts MaintenanceOptions, logger zerolog.Logger) (*Maintenance, error) {
	if purger == nil {
		return nil, fmt.Errorf("maintenance requires a purger")
	}
	if opts.Keep <= 0 {
		return nil, fmt.Errorf("retention keep must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Maintenance{
		cron:   cron.New(cron.WithSeconds()),
		purger: purger,
		opts:   opts,
		ctx:    ctx,
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
	if _, err := m.cron.AddFunc(opts.Spec, func() { _, _ = m.RunOnce(m.ctx) }); err != nil {
		return nil, fmt.Errorf("register retention job: %w", err)
	}
	return m, nil
}

// Start launches the cron goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info().Str("cron", m.opts.Spec).Dur("keep", m.opts.Keep).Msg("maintenance started")
}

// Stop waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info().Msg("maintenance stopped")
}

// RunOnce purges everything older than Keep.
func (m *Maintenance) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	cutoff := m.opts.Now().Add(-m.opts.Keep).UTC()
	n, err := m.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Time("cutoff", cutoff).Msg("retention purge failed")
		return 0, err
	}
	m.logger.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("retention purge complete")
	return n, nil
}
