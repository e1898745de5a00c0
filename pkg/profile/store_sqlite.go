package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veritas-labs/scrutiny/pkg/risk"
)

// SQLiteStore persists profile versions in SQLite. The full profile is
// stored as JSON alongside the columns queries filter on.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("profile: failed to migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS entity_profiles (
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		investigation_id TEXT,
		trigger_kind TEXT NOT NULL,
		risk_total REAL NOT NULL,
		payload JSON NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_profiles_created ON entity_profiles(created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	stored := cloneProfile(p)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("profile: failed to marshal profile: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM entity_profiles WHERE entity_id = ?`,
		stored.EntityID).Scan(&head); err != nil {
		return err
	}
	if stored.Version != head+1 {
		return fmt.Errorf("%w: version %d, head is %d", ErrVersionConflict, stored.Version, head)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_profiles (entity_id, version, investigation_id, trigger_kind, risk_total, payload, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		stored.EntityID, stored.Version, stored.InvestigationID, string(stored.Trigger),
		stored.RiskScore.Total, string(payload),
		stored.CreatedAt.UTC().Format(time.RFC3339Nano),
		stored.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("profile: failed to insert version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, entityID string, version int) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, deleted FROM entity_profiles WHERE entity_id = ? AND version = ?`,
		entityID, version)
	return scanProfile(row)
}

func (s *SQLiteStore) Latest(ctx context.Context, entityID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, deleted FROM entity_profiles WHERE entity_id = ? ORDER BY version DESC LIMIT 1`,
		entityID)
	return scanProfile(row)
}

func (s *SQLiteStore) History(ctx context.Context, entityID string) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM entity_profiles WHERE entity_id = ? AND deleted = 0 ORDER BY version ASC`,
		entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p Profile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("profile: failed to decode version: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, entityID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT version, payload FROM entity_profiles WHERE entity_id = ? AND deleted = 0`, entityID)
	if err != nil {
		return 0, err
	}
	type liveRow struct {
		version int
		payload string
	}
	var live []liveRow
	for rows.Next() {
		var r liveRow
		if err := rows.Scan(&r.version, &r.payload); err != nil {
			_ = rows.Close()
			return 0, err
		}
		live = append(live, r)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, r := range live {
		var p Profile
		if err := json.Unmarshal([]byte(r.payload), &p); err != nil {
			return 0, fmt.Errorf("profile: failed to decode version %d: %w", r.version, err)
		}
		p.Findings = nil
		p.Connections = nil
		p.StaleSources = nil
		p.DeferredNetwork = nil
		p.Delta = nil
		p.RiskScore = risk.Score{}
		p.Deleted = true
		scrubbed, err := json.Marshal(&p)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_profiles SET payload = ?, risk_total = 0, deleted = 1 WHERE entity_id = ? AND version = ?`,
			string(scrubbed), entityID, r.version); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(live), nil
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var (
		payload string
		deleted bool
	)
	if err := row.Scan(&payload, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if deleted {
		return nil, ErrNotFound
	}
	var p Profile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("profile: failed to decode version: %w", err)
	}
	return &p, nil
}
