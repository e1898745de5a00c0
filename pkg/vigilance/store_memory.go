package vigilance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps schedules in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	byEntityID map[string]*ScheduledCheck
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEntityID: make(map[string]*ScheduledCheck)}
}

func (s *MemoryStore) Put(_ context.Context, c *ScheduledCheck) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEntityID[c.EntityID] = cloneSchedule(c)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, entityID string) (*ScheduledCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byEntityID[entityID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return cloneSchedule(c), nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time) ([]*ScheduledCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*ScheduledCheck
	for _, c := range s.byEntityID {
		if c.RealtimePending || (!c.NextDue.IsZero() && !c.NextDue.After(now)) {
			due = append(due, cloneSchedule(c))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDue.Before(due[j].NextDue) })
	return due, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*ScheduledCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledCheck, 0, len(s.byEntityID))
	for _, c := range s.byEntityID {
		out = append(out, cloneSchedule(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEntityID[entityID]; !ok {
		return 0, nil
	}
	delete(s.byEntityID, entityID)
	return 1, nil
}

func cloneSchedule(c *ScheduledCheck) *ScheduledCheck {
	cp := *c
	return &cp
}
