package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	byInv       map[string][]*Checkpoint
	invByEntity map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byInv:       make(map[string][]*Checkpoint),
		invByEntity: make(map[string][]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byInv[cp.InvestigationID]) == 0 {
		s.invByEntity[cp.EntityID] = append(s.invByEntity[cp.EntityID], cp.InvestigationID)
	}
	s.byInv[cp.InvestigationID] = append(s.byInv[cp.InvestigationID], cloneCheckpoint(cp))
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, investigationID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.byInv[investigationID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(snaps[len(snaps)-1]), nil
}

func (s *MemoryStore) Delete(_ context.Context, investigationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.byInv[investigationID])
	delete(s.byInv, investigationID)
	return n, nil
}

func (s *MemoryStore) Purge(_ context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, invID := range s.invByEntity[entityID] {
		total += len(s.byInv[invID])
		delete(s.byInv, invID)
	}
	delete(s.invByEntity, entityID)
	return total, nil
}
