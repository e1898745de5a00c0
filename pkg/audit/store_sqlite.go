package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit: failed to migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		category TEXT NOT NULL,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		payload JSON,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		metadata JSON
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events(category);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	query := `INSERT INTO audit_events (
		event_id, sequence, timestamp, actor, category, subject, action, payload, payload_hash, prev_hash, hash, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var metaJSON []byte
	if event.Metadata != nil {
		metaJSON, _ = json.Marshal(event.Metadata)
	}
	timestamp := event.Timestamp.UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, query,
		event.EventID, event.Sequence, timestamp, string(event.Actor), string(event.Category),
		event.Subject, event.Action, string(event.Payload), event.PayloadHash,
		event.PrevHash, event.Hash, nullableString(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("audit: failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Head(ctx context.Context) (uint64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, hash FROM audit_events ORDER BY sequence DESC LIMIT 1`)
	var (
		sequence uint64
		hash     string
	)
	if err := row.Scan(&sequence, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, genesisHash, nil
		}
		return 0, "", err
	}
	return sequence, hash, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `SELECT event_id, sequence, timestamp, actor, category, subject, action, payload, payload_hash, prev_hash, hash, metadata
		FROM audit_events`
	var (
		conds []string
		args  []any
	)
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, string(filter.Actor))
	}
	if filter.Subject != "" {
		conds = append(conds, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.StartSeq > 0 {
		conds = append(conds, "sequence >= ?")
		args = append(args, filter.StartSeq)
	}
	if filter.EndSeq > 0 {
		conds = append(conds, "sequence <= ?")
		args = append(args, filter.EndSeq)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sequence ASC"
	if filter.MaxResults > 0 {
		query += " LIMIT ?"
		args = append(args, filter.MaxResults)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		// Time-range filtering happens here so the stored RFC 3339 strings
		// stay the single source of truth.
		if filter.StartTime != nil && e.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && e.Timestamp.After(*filter.EndTime) {
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteStore) Get(ctx context.Context, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, sequence, timestamp, actor, category, subject, action, payload, payload_hash, prev_hash, hash, metadata
		FROM audit_events WHERE event_id = ?`, eventID)
	var (
		id          string
		sequence    uint64
		timestamp   string
		actor       string
		category    string
		subject     string
		action      string
		payload     sql.NullString
		payloadHash string
		prevHash    string
		hash        string
		metaJSON    sql.NullString
	)
	err := row.Scan(&id, &sequence, &timestamp, &actor, &category, &subject, &action,
		&payload, &payloadHash, &prevHash, &hash, &metaJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return buildEvent(id, sequence, timestamp, actor, category, subject, action, payload, payloadHash, prevHash, hash, metaJSON), nil
}

func scanEventRow(rows *sql.Rows) (*Event, error) {
	var (
		id          string
		sequence    uint64
		timestamp   string
		actor       string
		category    string
		subject     string
		action      string
		payload     sql.NullString
		payloadHash string
		prevHash    string
		hash        string
		metaJSON    sql.NullString
	)
	if err := rows.Scan(&id, &sequence, &timestamp, &actor, &category, &subject, &action,
		&payload, &payloadHash, &prevHash, &hash, &metaJSON); err != nil {
		return nil, err
	}
	return buildEvent(id, sequence, timestamp, actor, category, subject, action, payload, payloadHash, prevHash, hash, metaJSON), nil
}

func buildEvent(id string, sequence uint64, timestamp, actor, category, subject, action string,
	payload sql.NullString, payloadHash, prevHash, hash string, metaJSON sql.NullString) *Event {
	var meta map[string]string
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &meta)
	}
	var raw json.RawMessage
	if payload.Valid && payload.String != "" {
		raw = json.RawMessage(payload.String)
	}
	return &Event{
		EventID:     id,
		Sequence:    sequence,
		Timestamp:   parseTime(timestamp),
		Actor:       Actor(actor),
		Category:    Category(category),
		Subject:     subject,
		Action:      action,
		Payload:     raw,
		PayloadHash: payloadHash,
		PrevHash:    prevHash,
		Hash:        hash,
		Metadata:    meta,
	}
}

func nullableString(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
