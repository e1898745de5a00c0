// Package costmeter tracks provider spend per investigation, customer,
// and provider. Every billable gateway call records one Charge; cache
// hits record nothing.
package costmeter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var (
	// ErrEmptyInvestigationID is returned when a charge has no investigation ID.
	ErrEmptyInvestigationID = errors.New("costmeter: investigation_id must not be empty")
	// ErrEmptyProviderID is returned when a charge has no provider ID.
	ErrEmptyProviderID = errors.New("costmeter: provider_id must not be empty")
	// ErrInvalidCheck is returned when the charge's check type is unknown.
	ErrInvalidCheck = errors.New("costmeter: unknown check type")
	// ErrNegativeAmount is returned when a charge has a negative amount.
	ErrNegativeAmount = errors.New("costmeter: amount_cents must not be negative")
	// ErrEmptyCurrency is returned when a charge has no currency code.
	ErrEmptyCurrency = errors.New("costmeter: currency must not be empty")
	// ErrInvalidBilledTo is returned when the billed_to dimension is unknown.
	ErrInvalidBilledTo = errors.New("costmeter: billed_to must be shared or customer")
	// ErrMissingCustomerID is returned when a customer-billed charge has no customer ID.
	ErrMissingCustomerID = errors.New("costmeter: customer-billed charge needs a customer_id")
	// ErrUnknownDimension is returned for usage queries over an unknown dimension.
	ErrUnknownDimension = errors.New("costmeter: unknown usage dimension")
)

// BilledTo identifies who carries a charge.
type BilledTo string

const (
	// BilledShared charges the platform's shared pool. Paid-external results
	// that land in the shared cache bill this way.
	BilledShared BilledTo = "shared"
	// BilledCustomer charges a single customer, used for customer-provided
	// source refreshes and customer-isolated lookups.
	BilledCustomer BilledTo = "customer"
)

// Charge is a single billable provider call.
type Charge struct {
	InvestigationID string              `json:"investigation_id"`
	EntityID        string              `json:"entity_id,omitempty"`
	ProviderID      string              `json:"provider_id"`
	Check           contracts.CheckType `json:"check"`
	AmountCents     int64               `json:"amount_cents"`
	Currency        string              `json:"currency"`
	BilledTo        BilledTo            `json:"billed_to"`
	CustomerID      string              `json:"customer_id,omitempty"`
	ChargedAt       time.Time           `json:"charged_at"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// Validate checks that the charge has valid fields.
func (c Charge) Validate() error {
	if c.InvestigationID == "" {
		return ErrEmptyInvestigationID
	}
	if c.ProviderID == "" {
		return ErrEmptyProviderID
	}
	if !contracts.ValidCheckType(c.Check) {
		return ErrInvalidCheck
	}
	if c.AmountCents < 0 {
		return ErrNegativeAmount
	}
	if c.Currency == "" {
		return ErrEmptyCurrency
	}
	switch c.BilledTo {
	case BilledShared:
	case BilledCustomer:
		if c.CustomerID == "" {
			return ErrMissingCustomerID
		}
	default:
		return ErrInvalidBilledTo
	}
	return nil
}

// Period defines a time range for spend aggregation, half-open [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DailyPeriod returns a Period for the current day.
func DailyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns a Period for the current month.
func MonthlyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return Period{Start: start, End: end}
}

// Dimension selects the aggregation key for usage queries.
type Dimension string

const (
	ByInvestigation Dimension = "investigation"
	ByCustomer      Dimension = "customer"
	ByProvider      Dimension = "provider"
)

// Usage contains aggregated spend for one key of one dimension.
// Totals are cents keyed by currency; amounts in different currencies
// are never summed together.
type Usage struct {
	Dimension  Dimension
	Key        string
	Period     Period
	Calls      int64
	Totals     map[string]int64
	LastUpdate time.Time
}

// Meter is the interface for recording and querying provider spend.
type Meter interface {
	// Record stores a single charge.
	Record(ctx context.Context, charge Charge) error

	// RecordBatch stores multiple charges atomically.
	RecordBatch(ctx context.Context, charges []Charge) error

	// GetUsage retrieves aggregated spend for one key in a period.
	GetUsage(ctx context.Context, dim Dimension, key string, period Period) (*Usage, error)

	// GetSpend retrieves total cents for one key in a single currency.
	GetSpend(ctx context.Context, dim Dimension, key string, currency string, period Period) (int64, error)
}

func chargeKey(c Charge, dim Dimension) (string, error) {
	switch dim {
	case ByInvestigation:
		return c.InvestigationID, nil
	case ByCustomer:
		return c.CustomerID, nil
	case ByProvider:
		return c.ProviderID, nil
	default:
		return "", ErrUnknownDimension
	}
}

// MemoryMeter implements Meter in memory. It backs tests and single-node
// deployments; production billing runs on PostgresMeter.
type MemoryMeter struct {
	mu      sync.RWMutex
	charges []Charge
}

// NewMemoryMeter creates an empty in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{charges: make([]Charge, 0)}
}

// Record stores a single charge.
func (m *MemoryMeter) Record(ctx context.Context, charge Charge) error {
	if err := charge.Validate(); err != nil {
		return err
	}
	if charge.ChargedAt.IsZero() {
		charge.ChargedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, charge)
	return nil
}

// RecordBatch stores multiple charges. All charges are validated before
// any is stored so a bad entry cannot leave a partial batch behind.
func (m *MemoryMeter) RecordBatch(ctx context.Context, charges []Charge) error {
	for _, c := range charges {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range charges {
		if c.ChargedAt.IsZero() {
			c.ChargedAt = now
		}
		m.charges = append(m.charges, c)
	}
	return nil
}

// GetUsage retrieves aggregated spend for one key in a period.
func (m *MemoryMeter) GetUsage(ctx context.Context, dim Dimension, key string, period Period) (*Usage, error) {
	if _, err := chargeKey(Charge{}, dim); err != nil {
		return nil, err
	}

	usage := &Usage{
		Dimension:  dim,
		Key:        key,
		Period:     period,
		Totals:     make(map[string]int64),
		LastUpdate: time.Now().UTC(),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.charges {
		k, _ := chargeKey(c, dim)
		if k != key || !period.Contains(c.ChargedAt) {
			continue
		}
		usage.Calls++
		usage.Totals[c.Currency] += c.AmountCents
	}
	return usage, nil
}

// GetSpend retrieves total cents for one key in a single currency.
func (m *MemoryMeter) GetSpend(ctx context.Context, dim Dimension, key string, currency string, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, dim, key, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[currency], nil
}
