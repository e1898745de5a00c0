// Package cache stores normalized provider results keyed by request
// fingerprint. Freshness is derived from the entry's windows at read time,
// never stored. Entries from customer-provided data are partitioned per
// customer; paid external data is shared platform-wide.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var (
	ErrEntryNotFound = errors.New("cache: entry not found")
	ErrInvalidEntry  = errors.New("cache: invalid entry")
)

// State is the derived freshness of an entry at a point in time.
type State string

const (
	StateFresh   State = "fresh"
	StateStale   State = "stale"
	StateExpired State = "expired"
)

// Scope identifies what a cached result answers. Its canonical JSON form
// hashes to the cache fingerprint.
type Scope struct {
	EntityID      string              `json:"entity_id"`
	ProviderClass string              `json:"provider_class"`
	Check         contracts.CheckType `json:"check"`
	Locale        string              `json:"locale"`
	DegreeScope   contracts.Degree    `json:"degree_scope,omitempty"`
}

// Fingerprint returns the deterministic key for this scope.
func (s Scope) Fingerprint() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("cache: failed to marshal scope: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize scope: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Entry is one cached provider result. A zero StaleUntil means the stale
// window never closes.
type Entry struct {
	Fingerprint string              `json:"fingerprint"`
	EntityID    string              `json:"entity_id"`
	ProviderID  string              `json:"provider_id"`
	Check       contracts.CheckType `json:"check"`
	Origin      contracts.Origin    `json:"origin"`
	CustomerID  string              `json:"customer_id,omitempty"`
	Locale      string              `json:"locale,omitempty"`
	AcquiredAt  time.Time           `json:"acquired_at"`
	FreshUntil  time.Time           `json:"fresh_until"`
	StaleUntil  time.Time           `json:"stale_until,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	RawRef      string              `json:"raw_ref,omitempty"`
	CostCents   int64               `json:"cost_cents"`
	Currency    string              `json:"currency,omitempty"`
	Deleted     bool                `json:"deleted,omitempty"`
}

// Validate checks the entry's window ordering and origin scoping.
func (e *Entry) Validate() error {
	if e.Fingerprint == "" {
		return fmt.Errorf("%w: missing fingerprint", ErrInvalidEntry)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: missing entity", ErrInvalidEntry)
	}
	if e.FreshUntil.Before(e.AcquiredAt) {
		return fmt.Errorf("%w: fresh_until precedes acquired_at", ErrInvalidEntry)
	}
	if !e.StaleUntil.IsZero() && e.StaleUntil.Before(e.FreshUntil) {
		return fmt.Errorf("%w: stale_until precedes fresh_until", ErrInvalidEntry)
	}
	switch e.Origin {
	case contracts.OriginCustomerProvided:
		if e.CustomerID == "" {
			return fmt.Errorf("%w: customer_provided entry without customer", ErrInvalidEntry)
		}
	case contracts.OriginPaidExternal:
	default:
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidEntry, e.Origin)
	}
	return nil
}

// State derives the freshness of the entry at now.
func (e *Entry) State(now time.Time) State {
	if !now.After(e.FreshUntil) {
		return StateFresh
	}
	if e.StaleUntil.IsZero() || !now.After(e.StaleUntil) {
		return StateStale
	}
	return StateExpired
}

// partition returns the visibility bucket an entry lives in. Customer
// provided entries are scoped to their customer; everything else shares
// one bucket.
func (e *Entry) partition() string {
	if e.Origin == contracts.OriginCustomerProvided {
		return e.CustomerID
	}
	return ""
}

// Store persists cache entries. Get consults the caller's customer
// partition before the shared one; entries belonging to another customer
// are invisible.
type Store interface {
	Get(ctx context.Context, fingerprint, customerID string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fingerprint, customerID string) error
	ListByEntity(ctx context.Context, entityID string) ([]*Entry, error)
	// Purge scrubs payloads and soft-deletes every entry for the entity.
	// It returns the number of entries scrubbed and is idempotent.
	Purge(ctx context.Context, entityID string) (int, error)
}

type storeKey struct {
	fingerprint string
	partition   string
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[storeKey]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[storeKey]*Entry)}
}

func (s *MemoryStore) Get(_ context.Context, fingerprint, customerID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if customerID != "" {
		if e, ok := s.entries[storeKey{fingerprint, customerID}]; ok && !e.Deleted {
			return cloneEntry(e), nil
		}
	}
	if e, ok := s.entries[storeKey{fingerprint, ""}]; ok && !e.Deleted {
		return cloneEntry(e), nil
	}
	return nil, ErrEntryNotFound
}

func (s *MemoryStore) Put(_ context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storeKey{e.Fingerprint, e.partition()}] = cloneEntry(e)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, fingerprint, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, storeKey{fingerprint, customerID})
	return nil
}

func (s *MemoryStore) ListByEntity(_ context.Context, entityID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.EntityID == entityID && !e.Deleted {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scrubbed := 0
	for _, e := range s.entries {
		if e.EntityID != entityID || e.Deleted {
			continue
		}
		e.Payload = nil
		e.RawRef = ""
		e.Deleted = true
		scrubbed++
	}
	return scrubbed, nil
}

func cloneEntry(e *Entry) *Entry {
	copied := *e
	copied.Payload = append(json.RawMessage(nil), e.Payload...)
	return &copied
}
