// Package store persists glucose, dose and carb history in SQLite and serves it back
// as chronologically ordered, deduplicated ranges.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// syncNamespace derives stable identifiers for entries uploaded without one.
var syncNamespace = uuid.MustParse("6f1c2b8e-3c1d-4a3e-9b7a-2f4d5e6a7b8c")

// Store is a SQLite backed history store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at path
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS glucose (
        date_ms INTEGER PRIMARY KEY,
        quantity REAL NOT NULL
    );

    CREATE TABLE IF NOT EXISTS doses (
        sync_id TEXT PRIMARY KEY,
        type TEXT NOT NULL,
        start_ms INTEGER NOT NULL,
        end_ms INTEGER NOT NULL,
        value REAL NOT NULL,
        unit TEXT NOT NULL,
        delivered_units REAL,
        scheduled_basal_rate REAL,
        insulin_type TEXT NOT NULL DEFAULT '',
        manually_entered INTEGER NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS carbs (
        sync_id TEXT PRIMARY KEY,
        start_ms INTEGER NOT NULL,
        grams REAL NOT NULL,
        absorption_s REAL NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_doses_start ON doses(start_ms);
    CREATE INDEX IF NOT EXISTS idx_doses_end ON doses(end_ms);
    CREATE INDEX IF NOT EXISTS idx_carbs_start ON carbs(start_ms);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SyncIdentifier returns the identifier of d, deriving one from its type and start when unset
func SyncIdentifier(d models.DoseEntry) string {
	if d.SyncIdentifier != "" {
		return d.SyncIdentifier
	}
	key := fmt.Sprintf("%s/%d", d.Type, d.StartDate.UnixMilli())
	return uuid.NewSHA1(syncNamespace, []byte(key)).String()
}

func carbSyncIdentifier(c models.CarbEntry) string {
	if c.SyncIdentifier != "" {
		return c.SyncIdentifier
	}
	key := fmt.Sprintf("carb/%d", c.StartDate.UnixMilli())
	return uuid.NewSHA1(syncNamespace, []byte(key)).String()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Float(v.Float64)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// AddGlucoseSamples stores samples; a reading at an existing timestamp replaces it
func (s *Store) AddGlucoseSamples(ctx context.Context, samples []models.GlucoseSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
        INSERT INTO glucose (date_ms, quantity) VALUES (?, ?)
        ON CONFLICT(date_ms) DO UPDATE SET quantity = excluded.quantity
    `
	for _, g := range samples {
		if _, err := tx.ExecContext(ctx, query, g.Date.UnixMilli(), g.Quantity); err != nil {
			return fmt.Errorf("failed to insert glucose: %w", err)
		}
	}
	return tx.Commit()
}

// AddDoseEntries stores doses keyed by sync identifier. Re-adding a dose updates it,
// so an in-progress dose can later be completed with its delivered units.
func (s *Store) AddDoseEntries(ctx context.Context, doses []models.DoseEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
        INSERT INTO doses (sync_id, type, start_ms, end_ms, value, unit, delivered_units,
            scheduled_basal_rate, insulin_type, manually_entered)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(sync_id) DO UPDATE SET
            type = excluded.type,
            start_ms = excluded.start_ms,
            end_ms = excluded.end_ms,
            value = excluded.value,
            unit = excluded.unit,
            delivered_units = excluded.delivered_units,
            scheduled_basal_rate = excluded.scheduled_basal_rate,
            insulin_type = excluded.insulin_type,
            manually_entered = excluded.manually_entered
    `
	for _, d := range doses {
		if !d.Type.Valid() {
			return fmt.Errorf("unknown dose type %q", d.Type)
		}
		_, err := tx.ExecContext(ctx, query,
			SyncIdentifier(d), string(d.Type), d.StartDate.UnixMilli(), d.EndDate.UnixMilli(),
			d.Value, string(d.Unit), nullFloat(d.DeliveredUnits), nullFloat(d.ScheduledBasalRate),
			string(d.InsulinType), d.ManuallyEntered)
		if err != nil {
			return fmt.Errorf("failed to insert dose: %w", err)
		}
	}
	return tx.Commit()
}

// AddCarbEntries stores carb entries keyed by sync identifier
func (s *Store) AddCarbEntries(ctx context.Context, entries []models.CarbEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
        INSERT INTO carbs (sync_id, start_ms, grams, absorption_s) VALUES (?, ?, ?, ?)
        ON CONFLICT(sync_id) DO UPDATE SET
            start_ms = excluded.start_ms,
            grams = excluded.grams,
            absorption_s = excluded.absorption_s
    `
	for _, c := range entries {
		_, err := tx.ExecContext(ctx, query,
			carbSyncIdentifier(c), c.StartDate.UnixMilli(), c.Grams, c.AbsorptionTime.Seconds())
		if err != nil {
			return fmt.Errorf("failed to insert carb entry: %w", err)
		}
	}
	return tx.Commit()
}

// GetGlucoseSamples returns readings within [start, end] in chronological order
func (s *Store) GetGlucoseSamples(ctx context.Context, start, end time.Time) ([]models.GlucoseSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date_ms, quantity FROM glucose WHERE date_ms >= ? AND date_ms <= ? ORDER BY date_ms`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query glucose: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []models.GlucoseSample
	for rows.Next() {
		var ms int64
		var g models.GlucoseSample
		if err := rows.Scan(&ms, &g.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan glucose: %w", err)
		}
		g.Date = fromMillis(ms)
		samples = append(samples, g)
	}
	return samples, rows.Err()
}

const doseColumns = `sync_id, type, start_ms, end_ms, value, unit, delivered_units,
    scheduled_basal_rate, insulin_type, manually_entered`

func (s *Store) queryDoses(ctx context.Context, where string, args ...any) ([]models.DoseEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+doseColumns+` FROM doses WHERE `+where+` ORDER BY start_ms, sync_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query doses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var doses []models.DoseEntry
	for rows.Next() {
		var d models.DoseEntry
		var typ, unit, insulinType string
		var startMs, endMs int64
		var delivered, scheduled sql.NullFloat64
		err := rows.Scan(&d.SyncIdentifier, &typ, &startMs, &endMs, &d.Value, &unit,
			&delivered, &scheduled, &insulinType, &d.ManuallyEntered)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dose: %w", err)
		}
		d.Type = models.DoseType(typ)
		d.Unit = models.DoseUnit(unit)
		d.InsulinType = models.InsulinType(insulinType)
		d.StartDate = fromMillis(startMs)
		d.EndDate = fromMillis(endMs)
		d.DeliveredUnits = floatPtr(delivered)
		d.ScheduledBasalRate = floatPtr(scheduled)
		doses = append(doses, d)
	}
	return doses, rows.Err()
}

// GetDoseEntries returns doses overlapping [start, end] ordered by start date
func (s *Store) GetDoseEntries(ctx context.Context, start, end time.Time) ([]models.DoseEntry, error) {
	return s.queryDoses(ctx, `end_ms >= ? AND start_ms <= ?`, start.UnixMilli(), end.UnixMilli())
}

// ActiveDoses returns doses still being delivered at
func (s *Store) ActiveDoses(ctx context.Context, at time.Time) ([]models.DoseEntry, error) {
	ms := at.UnixMilli()
	return s.queryDoses(ctx, `start_ms <= ? AND end_ms > ?`, ms, ms)
}

// LastBasalEndDate returns the latest end of a basal, temp basal or suspend, or the zero time
func (s *Store) LastBasalEndDate(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(end_ms) FROM doses WHERE type IN (?, ?, ?)`,
		string(models.DoseTypeBasal), string(models.DoseTypeTempBasal), string(models.DoseTypeSuspend),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last basal: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}

// GetCarbEntries returns carb entries starting within [start, end] in chronological order
func (s *Store) GetCarbEntries(ctx context.Context, start, end time.Time) ([]models.CarbEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_id, start_ms, grams, absorption_s FROM carbs
         WHERE start_ms >= ? AND start_ms <= ? ORDER BY start_ms, sync_id`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query carbs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.CarbEntry
	for rows.Next() {
		var c models.CarbEntry
		var ms int64
		var absorption float64
		if err := rows.Scan(&c.SyncIdentifier, &ms, &c.Grams, &absorption); err != nil {
			return nil, fmt.Errorf("failed to scan carb entry: %w", err)
		}
		c.StartDate = fromMillis(ms)
		c.AbsorptionTime = time.Duration(absorption * float64(time.Second))
		entries = append(entries, c)
	}
	return entries, rows.Err()
}

// PurgeBefore deletes readings and entries that ended before t and returns how many rows went
func (s *Store) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	ms := t.UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, q := range []string{
		`DELETE FROM glucose WHERE date_ms < ?`,
		`DELETE FROM doses WHERE end_ms < ?`,
		`DELETE FROM carbs WHERE start_ms < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, ms)
		if err != nil {
			return 0, fmt.Errorf("failed to purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// Window returns the stored glucose, doses and carbs within [start, end]
func (s *Store) Window(ctx context.Context, start, end time.Time) (models.History, error) {
	var h models.History
	var err error
	if h.Glucose, err = s.GetGlucoseSamples(ctx, start, end); err != nil {
		return models.History{}, err
	}
	if h.Doses, err = s.GetDoseEntries(ctx, start, end); err != nil {
		return models.History{}, err
	}
	if h.CarbEntries, err = s.GetCarbEntries(ctx, start, end); err != nil {
		return models.History{}, err
	}
	return h, nil
}
