package costmeter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresMeter implements Meter with PostgreSQL storage.
type PostgresMeter struct {
	db *sql.DB
}

// NewPostgresMeter creates a new PostgreSQL-backed meter.
func NewPostgresMeter(db *sql.DB) *PostgresMeter {
	return &PostgresMeter{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS provider_charges (
	id BIGSERIAL PRIMARY KEY,
	investigation_id TEXT NOT NULL,
	entity_id TEXT NOT NULL DEFAULT '',
	provider_id TEXT NOT NULL,
	check_type TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	currency TEXT NOT NULL,
	billed_to TEXT NOT NULL,
	customer_id TEXT NOT NULL DEFAULT '',
	charged_at TIMESTAMPTZ NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_provider_charges_investigation ON provider_charges(investigation_id, charged_at);
CREATE INDEX IF NOT EXISTS idx_provider_charges_customer ON provider_charges(customer_id, charged_at);
CREATE INDEX IF NOT EXISTS idx_provider_charges_provider ON provider_charges(provider_id, charged_at);
`

// Init creates the necessary database tables.
func (m *PostgresMeter) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

const insertCharge = `
	INSERT INTO provider_charges (investigation_id, entity_id, provider_id, check_type, amount_cents, currency, billed_to, customer_id, charged_at, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func dimensionColumn(dim Dimension) (string, error) {
	switch dim {
	case ByInvestigation:
		return "investigation_id", nil
	case ByCustomer:
		return "customer_id", nil
	case ByProvider:
		return "provider_id", nil
	default:
		return "", ErrUnknownDimension
	}
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("costmeter: failed to marshal metadata: %w", err)
	}
	return raw, nil
}

// Record stores a single charge.
func (m *PostgresMeter) Record(ctx context.Context, charge Charge) error {
	if err := charge.Validate(); err != nil {
		return err
	}
	if charge.ChargedAt.IsZero() {
		charge.ChargedAt = time.Now().UTC()
	}

	metadataJSON, err := marshalMetadata(charge.Metadata)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, insertCharge,
		charge.InvestigationID, charge.EntityID, charge.ProviderID, string(charge.Check),
		charge.AmountCents, charge.Currency, string(charge.BilledTo), charge.CustomerID,
		charge.ChargedAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("costmeter: failed to record charge: %w", err)
	}
	return nil
}

// RecordBatch stores multiple charges in a single transaction.
func (m *PostgresMeter) RecordBatch(ctx context.Context, charges []Charge) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("costmeter: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertCharge)
	if err != nil {
		return fmt.Errorf("costmeter: failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, charge := range charges {
		if err := charge.Validate(); err != nil {
			return err
		}
		if charge.ChargedAt.IsZero() {
			charge.ChargedAt = now
		}

		metadataJSON, err := marshalMetadata(charge.Metadata)
		if err != nil {
			return err
		}

		_, err = stmt.ExecContext(ctx,
			charge.InvestigationID, charge.EntityID, charge.ProviderID, string(charge.Check),
			charge.AmountCents, charge.Currency, string(charge.BilledTo), charge.CustomerID,
			charge.ChargedAt, metadataJSON)
		if err != nil {
			return fmt.Errorf("costmeter: failed to insert charge: %w", err)
		}
	}

	return tx.Commit()
}

// GetUsage retrieves aggregated spend for one key in a period.
func (m *PostgresMeter) GetUsage(ctx context.Context, dim Dimension, key string, period Period) (*Usage, error) {
	column, err := dimensionColumn(dim)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT currency, COUNT(*), SUM(amount_cents)
		FROM provider_charges
		WHERE %s = $1 AND charged_at >= $2 AND charged_at < $3
		GROUP BY currency
	`, column)

	rows, err := m.db.QueryContext(ctx, query, key, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("costmeter: failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := &Usage{
		Dimension:  dim,
		Key:        key,
		Period:     period,
		Totals:     make(map[string]int64),
		LastUpdate: time.Now().UTC(),
	}

	for rows.Next() {
		var currency string
		var calls, total int64
		if err := rows.Scan(&currency, &calls, &total); err != nil {
			return nil, fmt.Errorf("costmeter: failed to scan row: %w", err)
		}
		usage.Calls += calls
		usage.Totals[currency] = total
	}

	return usage, rows.Err()
}

// GetSpend retrieves total cents for one key in a single currency.
func (m *PostgresMeter) GetSpend(ctx context.Context, dim Dimension, key string, currency string, period Period) (int64, error) {
	column, err := dimensionColumn(dim)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM provider_charges
		WHERE %s = $1 AND currency = $2 AND charged_at >= $3 AND charged_at < $4
	`, column)

	var total int64
	err = m.db.QueryRowContext(ctx, query, key, currency, period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("costmeter: failed to query spend: %w", err)
	}
	return total, nil
}
