package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS investigation_checkpoints (
			id TEXT PRIMARY KEY,
			investigation_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			payload TEXT NOT NULL,
			taken_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_investigation
			ON investigation_checkpoints (investigation_id, taken_at);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_entity
			ON investigation_checkpoints (entity_id);
	`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO investigation_checkpoints (id, investigation_id, entity_id, phase, payload, taken_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.InvestigationID, cp.EntityID, cp.Phase,
		string(payload), cp.TakenAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) Latest(ctx context.Context, investigationID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM investigation_checkpoints
		WHERE investigation_id = ?
		ORDER BY taken_at DESC, rowid DESC
		LIMIT 1`, investigationID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, investigationID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM investigation_checkpoints WHERE investigation_id = ?`, investigationID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Purge(ctx context.Context, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM investigation_checkpoints WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
