package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

// SQLite persists the audit to a local SQLite database.
type SQLite struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	j := &SQLite{db: db, logger: logger.With().Str("component", "journal").Logger()}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	j.logger.Info().Str("path", path).Msg("sqlite journal opened")
	return j, nil
}

func (j *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS enactments (
			id               TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL,
			glucose_mgdl     REAL NOT NULL,
			factor           REAL NOT NULL,
			basal_rate       REAL,
			basal_duration_s INTEGER NOT NULL DEFAULT 0,
			bolus_units      REAL,
			basal_status     TEXT NOT NULL,
			basal_error      TEXT NOT NULL DEFAULT '',
			bolus_status     TEXT NOT NULL,
			bolus_error      TEXT NOT NULL DEFAULT '',
			started_at       INTEGER NOT NULL,
			completed_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_enactments_completed ON enactments(completed_at)`,

		`CREATE TABLE IF NOT EXISTS staleness_transitions (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			stale     INTEGER NOT NULL,
			reason    TEXT NOT NULL DEFAULT '',
			at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_at ON staleness_transitions(at)`,
	}

	for _, s := range stmts {
		if _, err := j.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// Close closes the database.
func (j *SQLite) Close() error {
	return j.db.Close()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// RecordEnactment implements dosing.Recorder. A record ID is written once.
func (j *SQLite) RecordEnactment(ctx context.Context, rec dosing.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `INSERT OR IGNORE INTO enactments (
		id, device_id, glucose_mgdl, factor, basal_rate, basal_duration_s, bolus_units,
		basal_status, basal_error, bolus_status, bolus_error, started_at, completed_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID.String(),
		rec.DeviceID,
		rec.Glucose,
		rec.Factor,
		nullable(rec.BasalRate),
		int64(rec.BasalDuration/time.Second),
		nullable(rec.BolusUnits),
		string(rec.BasalStatus),
		rec.BasalError,
		string(rec.BolusStatus),
		rec.BolusError,
		rec.StartedAt.UnixMilli(),
		rec.CompletedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert enactment: %w", err)
	}
	return nil
}

// RecordTransition stores a staleness transition.
func (j *SQLite) RecordTransition(ctx context.Context, deviceID string, t freshness.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	stale := 0
	if t.Stale {
		stale = 1
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO staleness_transitions (device_id, stale, reason, at) VALUES (?,?,?,?)`,
		deviceID, stale, t.Reason, t.At.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

const selectEnactments = `SELECT id, device_id, glucose_mgdl, factor, basal_rate, basal_duration_s, bolus_units,
	basal_status, basal_error, bolus_status, bolus_error, started_at, completed_at
	FROM enactments`

// RecentEnactments implements dosing.Reader, newest first.
func (j *SQLite) RecentEnactments(ctx context.Context, limit int) ([]dosing.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, selectEnactments+` ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent enactments: %w", err)
	}
	return scanEnactments(rows)
}

// EnactmentsBetween implements dosing.Reader.
func (j *SQLite) EnactmentsBetween(ctx context.Context, from, to time.Time) ([]dosing.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		selectEnactments+` WHERE completed_at >= ? AND completed_at < ? ORDER BY completed_at`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list enactments between: %w", err)
	}
	return scanEnactments(rows)
}

// PurgeBefore deletes audit rows older than before.
func (j *SQLite) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM enactments WHERE completed_at < ?`,
		`DELETE FROM staleness_transitions WHERE at < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, before.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return total, nil
}

func scanEnactments(rows *sql.Rows) ([]dosing.Record, error) {
	defer rows.Close()

	var out []dosing.Record
	for rows.Next() {
		var (
			id, device, basalStatus, basalErr, bolusStatus, bolusErr string
			glucose, factor                                           float64
			basal, bolus                                              sql.NullFloat64
			durationS, started, completed                             int64
		)
		if err := rows.Scan(&id, &device, &glucose, &factor, &basal, &durationS, &bolus,
			&basalStatus, &basalErr, &bolusStatus, &bolusErr, &started, &completed); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse enactment id: %w", err)
		}
		rec := dosing.Record{
			ID:            parsed,
			DeviceID:      device,
			Glucose:       glucose,
			Factor:        factor,
			BasalDuration: time.Duration(durationS) * time.Second,
			BasalStatus:   dosing.Status(basalStatus),
			BasalError:    basalErr,
			BolusStatus:   dosing.Status(bolusStatus),
			BolusError:    bolusErr,
			StartedAt:     time.UnixMilli(started).UTC(),
			CompletedAt:   time.UnixMilli(completed).UTC(),
		}
		if basal.Valid {
			v := basal.Float64
			rec.BasalRate = &v
		}
		if bolus.Valid {
			v := bolus.Float64
			rec.BolusUnits = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Journal = (*SQLite)(nil)
