package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// SQLiteStore persists cache entries in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("cache: failed to migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT NOT NULL,
		partition_key TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		check_type TEXT NOT NULL,
		origin TEXT NOT NULL,
		customer_id TEXT,
		locale TEXT,
		acquired_at TEXT NOT NULL,
		fresh_until TEXT NOT NULL,
		stale_until TEXT,
		payload JSON,
		raw_ref TEXT,
		cost_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (fingerprint, partition_key)
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_entity ON cache_entries(entity_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, fingerprint, customerID string) (*Entry, error) {
	if customerID != "" {
		e, err := s.getPartition(ctx, fingerprint, customerID)
		if err == nil {
			return e, nil
		}
		if err != ErrEntryNotFound {
			return nil, err
		}
	}
	return s.getPartition(ctx, fingerprint, "")
}

func (s *SQLiteStore) getPartition(ctx context.Context, fingerprint, partition string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, entity_id, provider_id, check_type, origin, customer_id, locale,
			acquired_at, fresh_until, stale_until, payload, raw_ref, cost_cents, currency, deleted
		FROM cache_entries
		WHERE fingerprint = ? AND partition_key = ? AND deleted = 0`,
		fingerprint, partition)
	return scanEntry(row)
}

func (s *SQLiteStore) Put(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var staleUntil sql.NullString
	if !e.StaleUntil.IsZero() {
		staleUntil = sql.NullString{String: e.StaleUntil.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (
			fingerprint, partition_key, entity_id, provider_id, check_type, origin, customer_id,
			locale, acquired_at, fresh_until, stale_until, payload, raw_ref, cost_cents, currency,
			deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (fingerprint, partition_key) DO UPDATE SET
			entity_id = excluded.entity_id,
			provider_id = excluded.provider_id,
			check_type = excluded.check_type,
			origin = excluded.origin,
			customer_id = excluded.customer_id,
			locale = excluded.locale,
			acquired_at = excluded.acquired_at,
			fresh_until = excluded.fresh_until,
			stale_until = excluded.stale_until,
			payload = excluded.payload,
			raw_ref = excluded.raw_ref,
			cost_cents = excluded.cost_cents,
			currency = excluded.currency,
			deleted = 0,
			updated_at = excluded.updated_at`,
		e.Fingerprint, e.partition(), e.EntityID, e.ProviderID, string(e.Check), string(e.Origin),
		nullable(e.CustomerID), nullable(e.Locale),
		e.AcquiredAt.UTC().Format(time.RFC3339Nano), e.FreshUntil.UTC().Format(time.RFC3339Nano),
		staleUntil, nullable(string(e.Payload)), nullable(e.RawRef), e.CostCents, nullable(e.Currency),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("cache: failed to upsert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, fingerprint, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = ? AND partition_key = ?`,
		fingerprint, customerID)
	return err
}

func (s *SQLiteStore) ListByEntity(ctx context.Context, entityID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, entity_id, provider_id, check_type, origin, customer_id, locale,
			acquired_at, fresh_until, stale_until, payload, raw_ref, cost_cents, currency, deleted
		FROM cache_entries
		WHERE entity_id = ? AND deleted = 0
		ORDER BY fingerprint ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, entityID string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET payload = NULL, raw_ref = NULL, deleted = 1, updated_at = ?
		WHERE entity_id = ? AND deleted = 0`, now, entityID)
	if err != nil {
		return 0, fmt.Errorf("cache: failed to purge entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		check      string
		origin     string
		customerID sql.NullString
		locale     sql.NullString
		acquiredAt string
		freshUntil string
		staleUntil sql.NullString
		payload    sql.NullString
		rawRef     sql.NullString
		currency   sql.NullString
		deleted    int
	)
	err := row.Scan(&e.Fingerprint, &e.EntityID, &e.ProviderID, &check, &origin, &customerID,
		&locale, &acquiredAt, &freshUntil, &staleUntil, &payload, &rawRef, &e.CostCents, &currency, &deleted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("cache: failed to scan entry: %w", err)
	}
	e.Check = contracts.CheckType(check)
	e.Origin = contracts.Origin(origin)
	e.CustomerID = customerID.String
	e.Locale = locale.String
	e.RawRef = rawRef.String
	e.Currency = currency.String
	e.Deleted = deleted != 0
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	if e.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return nil, err
	}
	if e.FreshUntil, err = parseTime(freshUntil); err != nil {
		return nil, err
	}
	if staleUntil.Valid {
		if e.StaleUntil, err = parseTime(staleUntil.String); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
