package vigilance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// SQLiteStore persists schedules in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("vigilance: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vigilance_schedules (
			entity_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			tier TEXT NOT NULL,
			realtime_pending INTEGER NOT NULL DEFAULT 0,
			last_run TEXT NOT NULL,
			next_due TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vigilance_next_due
			ON vigilance_schedules (next_due);
	`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, c *ScheduledCheck) error {
	if err := c.Validate(); err != nil {
		return err
	}
	pending := 0
	if c.RealtimePending {
		pending = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vigilance_schedules
			(entity_id, customer_id, level, tier, realtime_pending, last_run, next_due, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			level = excluded.level,
			tier = excluded.tier,
			realtime_pending = excluded.realtime_pending,
			last_run = excluded.last_run,
			next_due = excluded.next_due,
			updated_at = excluded.updated_at`,
		c.EntityID, c.CustomerID, string(c.Level), string(c.Tier), pending,
		encodeTime(c.LastRun), encodeTime(c.NextDue),
		encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, entityID string) (*ScheduledCheck, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, customer_id, level, tier, realtime_pending, last_run, next_due, created_at, updated_at
		FROM vigilance_schedules WHERE entity_id = ?`, entityID)
	c, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	return c, err
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time) ([]*ScheduledCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, customer_id, level, tier, realtime_pending, last_run, next_due, created_at, updated_at
		FROM vigilance_schedules
		WHERE realtime_pending = 1 OR (next_due != '' AND next_due <= ?)
		ORDER BY next_due`, encodeTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*ScheduledCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, customer_id, level, tier, realtime_pending, last_run, next_due, created_at, updated_at
		FROM vigilance_schedules ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *SQLiteStore) Purge(ctx context.Context, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vigilance_schedules WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func collectSchedules(rows *sql.Rows) ([]*ScheduledCheck, error) {
	var out []*ScheduledCheck
	for rows.Next() {
		c, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSchedule(scan func(...any) error) (*ScheduledCheck, error) {
	var (
		c                                    ScheduledCheck
		level, tier                          string
		pending                              int
		lastRun, nextDue, createdAt, updated string
	)
	if err := scan(&c.EntityID, &c.CustomerID, &level, &tier, &pending,
		&lastRun, &nextDue, &createdAt, &updated); err != nil {
		return nil, err
	}
	c.Level = Level(level)
	c.Tier = contracts.Tier(tier)
	c.RealtimePending = pending != 0

	var err error
	if c.LastRun, err = decodeTime(lastRun); err != nil {
		return nil, err
	}
	if c.NextDue, err = decodeTime(nextDue); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("vigilance: bad timestamp %q: %w", v, err)
	}
	return t, nil
}
