// Package entity implements the canonical entity registry and resolver:
// strong-identifier exact matching, fuzzy matching with tier-aware
// ambiguity handling, and merge forwarding.
package entity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var (
	ErrEntityNotFound = errors.New("entity: not found")
	ErrAlreadyMerged  = errors.New("entity: already merged")
	ErrSelfMerge      = errors.New("entity: cannot merge entity into itself")
)

// Entity is one canonical record. At most one entity exists per equivalence
// class of strong identifiers; merges leave forwarding pointers behind.
type Entity struct {
	ID          string                 `json:"id"`
	Kind        contracts.EntityKind   `json:"kind"`
	PrimaryName string                 `json:"primary_name"`
	Aliases     []string               `json:"aliases,omitempty"`
	DateOfBirth string                 `json:"date_of_birth,omitempty"`
	Addresses   []string               `json:"addresses,omitempty"`
	Identifiers []contracts.Identifier `json:"identifiers,omitempty"`
	FirstSeen   time.Time              `json:"first_seen"`
	LastUpdated time.Time              `json:"last_updated"`
	MergedInto  string                 `json:"merged_into,omitempty"`
	Provisional bool                   `json:"provisional,omitempty"`
	Anonymized  bool                   `json:"anonymized,omitempty"`
	Deleted     bool                   `json:"deleted,omitempty"`
}

// Names returns the primary name plus aliases.
func (e *Entity) Names() []string {
	names := make([]string, 0, len(e.Aliases)+1)
	if e.PrimaryName != "" {
		names = append(names, e.PrimaryName)
	}
	names = append(names, e.Aliases...)
	return names
}

// Store is the persistence behind the registry.
type Store interface {
	Create(ctx context.Context, e *Entity) error
	Get(ctx context.Context, id string) (*Entity, error)
	Update(ctx context.Context, e *Entity) error
	FindByStrongIdentifier(ctx context.Context, kind contracts.IdentifierKind, value string) (*Entity, error)
	ListByKind(ctx context.Context, kind contracts.EntityKind) ([]*Entity, error)
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Entity
	byStrongID map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Entity),
		byStrongID: make(map[string]string),
	}
}

func strongKey(kind contracts.IdentifierKind, value string) string {
	return string(kind) + "|" + value
}

func (s *MemoryStore) Create(_ context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := cloneEntity(e)
	s.byID[copied.ID] = copied
	for _, id := range copied.Identifiers {
		if id.Kind.Strong() {
			s.byStrongID[strongKey(id.Kind, id.Value)] = copied.ID
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return cloneEntity(e), nil
}

func (s *MemoryStore) Update(_ context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.ID]; !ok {
		return ErrEntityNotFound
	}
	copied := cloneEntity(e)
	s.byID[copied.ID] = copied
	for _, id := range copied.Identifiers {
		if id.Kind.Strong() {
			s.byStrongID[strongKey(id.Kind, id.Value)] = copied.ID
		}
	}
	return nil
}

func (s *MemoryStore) FindByStrongIdentifier(_ context.Context, kind contracts.IdentifierKind, value string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byStrongID[strongKey(kind, value)]
	if !ok {
		return nil, ErrEntityNotFound
	}
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return cloneEntity(e), nil
}

func (s *MemoryStore) ListByKind(_ context.Context, kind contracts.EntityKind) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entity
	for _, e := range s.byID {
		if e.Kind == kind && !e.Deleted {
			out = append(out, cloneEntity(e))
		}
	}
	return out, nil
}

func cloneEntity(e *Entity) *Entity {
	copied := *e
	copied.Aliases = append([]string(nil), e.Aliases...)
	copied.Addresses = append([]string(nil), e.Addresses...)
	copied.Identifiers = append([]contracts.Identifier(nil), e.Identifiers...)
	return &copied
}
