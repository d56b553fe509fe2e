package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
	"loop-dosing/internal/glucose"
	"loop-dosing/internal/retrospective"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSampleSQL = `INSERT INTO glucose_samples (sample_ts, mgdl, source)
    VALUES ($1, $2, $3)
    ON CONFLICT (sample_ts) DO UPDATE
    SET mgdl = EXCLUDED.mgdl,
        source = EXCLUDED.source;`

	latestSampleSQL = `SELECT sample_ts, mgdl::text, source
    FROM glucose_samples
    WHERE sample_ts >= $1
    ORDER BY sample_ts DESC
    LIMIT 1;`

	recentSamplesSQL = `SELECT sample_ts, mgdl::text, source
    FROM glucose_samples
    WHERE sample_ts >= $1
    ORDER BY sample_ts;`

	upsertDiscrepancySQL = `INSERT INTO discrepancies (start_ts, end_ts, magnitude)
    VALUES ($1, $2, $3)
    ON CONFLICT (start_ts, end_ts) DO UPDATE
    SET magnitude = EXCLUDED.magnitude;`

	insertEnactmentSQL = `INSERT INTO enactments (
        id,
        device_id,
        glucose_mgdl,
        factor,
        basal_rate,
        basal_duration_s,
        bolus_units,
        basal_status,
        basal_error,
        bolus_status,
        bolus_error,
        started_at,
        completed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO NOTHING;`

	enactmentColumns = `id,
        device_id,
        glucose_mgdl::text,
        factor::text,
        basal_rate::text,
        basal_duration_s,
        bolus_units::text,
        basal_status,
        basal_error,
        bolus_status,
        bolus_error,
        started_at,
        completed_at`

	listEnactmentsBetweenSQL = `SELECT ` + enactmentColumns + `
    FROM enactments
    WHERE completed_at >= $1
      AND completed_at < $2
    ORDER BY completed_at;`

	listRecentEnactmentsSQL = `SELECT ` + enactmentColumns + `
    FROM enactments
    ORDER BY completed_at DESC
    LIMIT $1;`

	insertTransitionSQL = `INSERT INTO staleness_transitions (device_id, stale, reason, at)
    VALUES ($1, $2, $3, $4);`

	purgeEnactmentsSQL   = `DELETE FROM enactments WHERE completed_at < $1;`
	purgeTransitionsSQL  = `DELETE FROM staleness_transitions WHERE at < $1;`
	purgeSamplesSQL      = `DELETE FROM glucose_samples WHERE sample_ts < $1;`
	purgeDiscrepancySQL  = `DELETE FROM discrepancies WHERE end_ts < $1;`
	tryAdvisoryLockSQL   = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL    = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists glucose, discrepancies and the enactment audit in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the lock dies with the session; drop the connection so it is not reused
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertSamples stores a batch of glucose samples.
func (s *Store) UpsertSamples(ctx context.Context, samples []glucose.Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		batch.Queue(upsertSampleSQL, sample.Time.UTC(), decimalString(sample.Value, 1), sample.Source)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert samples: %w", err)
	}
	return nil
}

// LatestSample implements glucose.Source.
func (s *Store) LatestSample(ctx context.Context, since time.Time) (glucose.Sample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return glucose.Sample{}, false, err
	}

	sample, err := scanSample(pool.QueryRow(ctx, latestSampleSQL, since.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return glucose.Sample{}, false, nil
	}
	if err != nil {
		return glucose.Sample{}, false, fmt.Errorf("latest sample: %w", err)
	}
	return sample, true, nil
}

// RecentSamples implements glucose.Source.
func (s *Store) RecentSamples(ctx context.Context, since time.Time) ([]glucose.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentSamplesSQL, since.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]glucose.Sample, 0)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// UpsertDiscrepancies stores the discrepancies used by a cycle.
func (s *Store) UpsertDiscrepancies(ctx context.Context, discrepancies []retrospective.Discrepancy) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(discrepancies) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range discrepancies {
		batch.Queue(upsertDiscrepancySQL, d.Start.UTC(), d.End.UTC(), decimalString(d.Magnitude, 3))
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert discrepancies: %w", err)
	}
	return nil
}

// RecordEnactment implements dosing.Recorder. Records are write-once.
func (s *Store) RecordEnactment(ctx context.Context, rec dosing.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	row := toEnactmentRow(rec)
	_, execErr := pool.Exec(ctx, insertEnactmentSQL,
		row.ID,
		row.DeviceID,
		row.Glucose,
		row.Factor,
		row.BasalRate,
		row.BasalDurationS,
		row.BolusUnits,
		row.BasalStatus,
		row.BasalError,
		row.BolusStatus,
		row.BolusError,
		row.StartedAt,
		row.CompletedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert enactment: %w", execErr)
	}
	return nil
}

// RecordTransition stores a staleness transition.
func (s *Store) RecordTransition(ctx context.Context, deviceID string, t freshness.Transition) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertTransitionSQL, deviceID, t.Stale, t.Reason, t.At.UTC()); execErr != nil {
		return fmt.Errorf("insert transition: %w", execErr)
	}
	return nil
}

// EnactmentsBetween implements dosing.Reader.
func (s *Store) EnactmentsBetween(ctx context.Context, from, to time.Time) ([]dosing.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnactmentsBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list enactments between: %w", queryErr)
	}
	return collectEnactments(rows)
}

// RecentEnactments implements dosing.Reader, newest first.
func (s *Store) RecentEnactments(ctx context.Context, limit int) ([]dosing.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEnactmentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent enactments: %w", queryErr)
	}
	return collectEnactments(rows)
}

// PurgeBefore deletes audit rows, samples and discrepancies older than
// before inside one transaction and returns the number of rows removed.
func (s *Store) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var total int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{purgeEnactmentsSQL, purgeTransitionsSQL, purgeSamplesSQL, purgeDiscrepancySQL} {
			tag, execErr := tx.Exec(ctx, stmt, before.UTC())
			if execErr != nil {
				return execErr
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", before.Format(time.RFC3339), err)
	}
	return total, nil
}

func scanSample(row pgx.Row) (glucose.Sample, error) {
	var (
		ts     time.Time
		mgdl   string
		source string
	)
	if err := row.Scan(&ts, &mgdl, &source); err != nil {
		return glucose.Sample{}, err
	}
	value, err := decimal.NewFromString(mgdl)
	if err != nil {
		return glucose.Sample{}, fmt.Errorf("parse glucose value: %w", err)
	}
	return glucose.Sample{Time: ts, Value: value.InexactFloat64(), Source: source}, nil
}

func collectEnactments(rows pgx.Rows) ([]dosing.Record, error) {
	defer rows.Close()

	records := make([]dosing.Record, 0)
	for rows.Next() {
		var row enactmentRow
		if err := rows.Scan(
			&row.ID,
			&row.DeviceID,
			&row.Glucose,
			&row.Factor,
			&row.BasalRate,
			&row.BasalDurationS,
			&row.BolusUnits,
			&row.BasalStatus,
			&row.BasalError,
			&row.BolusStatus,
			&row.BolusError,
			&row.StartedAt,
			&row.CompletedAt,
		); err != nil {
			return nil, err
		}
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

var (
	_ glucose.Source  = (*Store)(nil)
	_ dosing.Recorder = (*Store)(nil)
	_ dosing.Reader   = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
