// Package journal keeps a local audit of enactments and staleness
// transitions when no PostgreSQL database is configured.
package journal

import (
	"context"
	"time"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

// Journal is the audit surface shared by the SQLite journal, the no-op
// journal and storage.Store.
type Journal interface {
	dosing.Recorder
	dosing.Reader
	RecordTransition(ctx context.Context, deviceID string, t freshness.Transition) error
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordEnactment(context.Context, dosing.Record) error { return nil }

func (Noop) RecordTransition(context.Context, string, freshness.Transition) error { return nil }

func (Noop) RecentEnactments(context.Context, int) ([]dosing.Record, error) { return nil, nil }

func (Noop) EnactmentsBetween(context.Context, time.Time, time.Time) ([]dosing.Record, error) {
	return nil, nil
}

func (Noop) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }

var _ Journal = Noop{}
