package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*Event
	eventByID map[string]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eventByID: make(map[string]*Event),
	}
}

func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	s.eventByID[copied.EventID] = &copied
	return nil
}

func (s *MemoryStore) Head(_ context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, genesisHash, nil
	}
	last := s.events[len(s.events)-1]
	return last.Sequence, last.Hash, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]*Event, 0)
	for _, e := range s.events {
		if filter.Matches(e) {
			copied := *e
			results = append(results, &copied)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results, nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.eventByID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	copied := *e
	return &copied, nil
}

// Tamper overwrites a stored event in place. Test helper for chain
// verification; never part of the production surface.
func (s *MemoryStore) Tamper(index int, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.events) {
		mutate(s.events[index])
	}
}
