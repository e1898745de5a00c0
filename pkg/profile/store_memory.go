package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/veritas-labs/scrutiny/pkg/risk"
)

// MemoryStore keeps profile versions in process.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string][]*Profile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: map[string][]*Profile{}}
}

func (s *MemoryStore) Append(_ context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	head := len(s.profiles[p.EntityID])
	if p.Version != head+1 {
		return fmt.Errorf("%w: version %d, head is %d", ErrVersionConflict, p.Version, head)
	}
	stored := cloneProfile(p)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.profiles[p.EntityID] = append(s.profiles[p.EntityID], stored)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, entityID string, version int) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.profiles[entityID]
	if version < 1 || version > len(versions) {
		return nil, ErrNotFound
	}
	p := versions[version-1]
	if p.Deleted {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (s *MemoryStore) Latest(_ context.Context, entityID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.profiles[entityID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	p := versions[len(versions)-1]
	if p.Deleted {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (s *MemoryStore) History(_ context.Context, entityID string) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Profile
	for _, p := range s.profiles[entityID] {
		if p.Deleted {
			continue
		}
		out = append(out, cloneProfile(p))
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scrubbed := 0
	for _, p := range s.profiles[entityID] {
		if p.Deleted {
			continue
		}
		p.Findings = nil
		p.Connections = nil
		p.StaleSources = nil
		p.DeferredNetwork = nil
		p.Delta = nil
		p.RiskScore = risk.Score{}
		p.Deleted = true
		scrubbed++
	}
	return scrubbed, nil
}

// cloneProfile deep-copies through JSON; profiles are checkpoint-sized
// and reads are rare compared to gateway traffic.
func cloneProfile(p *Profile) *Profile {
	raw, _ := json.Marshal(p)
	var copied Profile
	_ = json.Unmarshal(raw, &copied)
	return &copied
}
