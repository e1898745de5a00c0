package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// SQLiteStore persists entities in SQLite. Strong identifiers get their
// own table so exact-match resolution stays an index lookup.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("entity: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			primary_name TEXT NOT NULL DEFAULT '',
			aliases TEXT NOT NULL DEFAULT '[]',
			date_of_birth TEXT NOT NULL DEFAULT '',
			addresses TEXT NOT NULL DEFAULT '[]',
			identifiers TEXT NOT NULL DEFAULT '[]',
			first_seen TEXT NOT NULL,
			last_updated TEXT NOT NULL,
			merged_into TEXT NOT NULL DEFAULT '',
			provisional INTEGER NOT NULL DEFAULT 0,
			anonymized INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS entity_strong_ids (
			id_kind TEXT NOT NULL,
			id_value TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			PRIMARY KEY (id_kind, id_value)
		);
		CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities (kind);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, e *Entity) error {
	return s.put(ctx, e)
}

func (s *SQLiteStore) Update(ctx context.Context, e *Entity) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM entities WHERE id = ?`, e.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEntityNotFound
	}
	if err != nil {
		return err
	}
	return s.put(ctx, e)
}

func (s *SQLiteStore) put(ctx context.Context, e *Entity) error {
	aliases, err := json.Marshal(sliceOrEmpty(e.Aliases))
	if err != nil {
		return err
	}
	addresses, err := json.Marshal(sliceOrEmpty(e.Addresses))
	if err != nil {
		return err
	}
	identifiers, err := json.Marshal(identifiersOrEmpty(e.Identifiers))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities
			(id, kind, primary_name, aliases, date_of_birth, addresses, identifiers,
			 first_seen, last_updated, merged_into, provisional, anonymized, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			primary_name = excluded.primary_name,
			aliases = excluded.aliases,
			date_of_birth = excluded.date_of_birth,
			addresses = excluded.addresses,
			identifiers = excluded.identifiers,
			first_seen = excluded.first_seen,
			last_updated = excluded.last_updated,
			merged_into = excluded.merged_into,
			provisional = excluded.provisional,
			anonymized = excluded.anonymized,
			deleted = excluded.deleted`,
		e.ID, string(e.Kind), e.PrimaryName, string(aliases), e.DateOfBirth,
		string(addresses), string(identifiers),
		encodeEntityTime(e.FirstSeen), encodeEntityTime(e.LastUpdated),
		e.MergedInto, boolToInt(e.Provisional), boolToInt(e.Anonymized), boolToInt(e.Deleted)); err != nil {
		return err
	}

	for _, id := range e.Identifiers {
		if !id.Kind.Strong() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_strong_ids (id_kind, id_value, entity_id)
			VALUES (?, ?, ?)
			ON CONFLICT (id_kind, id_value) DO UPDATE SET entity_id = excluded.entity_id`,
			string(id.Kind), id.Value, e.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, primary_name, aliases, date_of_birth, addresses, identifiers,
		       first_seen, last_updated, merged_into, provisional, anonymized, deleted
		FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return e, err
}

func (s *SQLiteStore) FindByStrongIdentifier(ctx context.Context, kind contracts.IdentifierKind, value string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.kind, e.primary_name, e.aliases, e.date_of_birth, e.addresses, e.identifiers,
		       e.first_seen, e.last_updated, e.merged_into, e.provisional, e.anonymized, e.deleted
		FROM entity_strong_ids s
		JOIN entities e ON e.id = s.entity_id
		WHERE s.id_kind = ? AND s.id_value = ?`, string(kind), value)
	e, err := scanEntity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return e, err
}

func (s *SQLiteStore) ListByKind(ctx context.Context, kind contracts.EntityKind) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, primary_name, aliases, date_of_birth, addresses, identifiers,
		       first_seen, last_updated, merged_into, provisional, anonymized, deleted
		FROM entities WHERE kind = ? AND deleted = 0 ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(scan func(...any) error) (*Entity, error) {
	var (
		e                               Entity
		kind                            string
		aliases, addresses, identifiers string
		firstSeen, lastUpdated          string
		provisional, anonymized, del    int
	)
	if err := scan(&e.ID, &kind, &e.PrimaryName, &aliases, &e.DateOfBirth,
		&addresses, &identifiers, &firstSeen, &lastUpdated, &e.MergedInto,
		&provisional, &anonymized, &del); err != nil {
		return nil, err
	}
	e.Kind = contracts.EntityKind(kind)
	e.Provisional = provisional != 0
	e.Anonymized = anonymized != 0
	e.Deleted = del != 0

	if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
		return nil, fmt.Errorf("entity: bad aliases column: %w", err)
	}
	if err := json.Unmarshal([]byte(addresses), &e.Addresses); err != nil {
		return nil, fmt.Errorf("entity: bad addresses column: %w", err)
	}
	if err := json.Unmarshal([]byte(identifiers), &e.Identifiers); err != nil {
		return nil, fmt.Errorf("entity: bad identifiers column: %w", err)
	}
	if len(e.Aliases) == 0 {
		e.Aliases = nil
	}
	if len(e.Addresses) == 0 {
		e.Addresses = nil
	}
	if len(e.Identifiers) == 0 {
		e.Identifiers = nil
	}

	var err error
	if e.FirstSeen, err = decodeEntityTime(firstSeen); err != nil {
		return nil, err
	}
	if e.LastUpdated, err = decodeEntityTime(lastUpdated); err != nil {
		return nil, err
	}
	return &e, nil
}

func sliceOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func identifiersOrEmpty(v []contracts.Identifier) []contracts.Identifier {
	if v == nil {
		return []contracts.Identifier{}
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeEntityTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeEntityTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("entity: bad timestamp %q: %w", v, err)
	}
	return t, nil
}
