package recovery

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store. SaveKit revokes the prior active kit
// and inserts the new one under one lock, matching the transactional
// guarantee the durable store provides.
type MemStore struct {
	mu     sync.Mutex
	kits   map[string]*Kit
	shares map[string]map[byte]*GuardianShare
	active string
}

// NewMemStore creates an empty in-memory kit store.
func NewMemStore() *MemStore {
	return &MemStore{
		kits:   make(map[string]*Kit),
		shares: make(map[string]map[byte]*GuardianShare),
	}
}

func (s *MemStore) SaveKit(ctx context.Context, kit *Kit, shares []GuardianShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != "" {
		s.kits[s.active].Status = KitRevoked
	}

	k := *kit
	s.kits[k.ID] = &k
	byIndex := make(map[byte]*GuardianShare, len(shares))
	for i := range shares {
		sh := shares[i]
		byIndex[sh.Index] = &sh
	}
	s.shares[k.ID] = byIndex
	s.active = k.ID
	return nil
}

func (s *MemStore) ActiveKit(ctx context.Context) (*Kit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return nil, nil
	}
	k := *s.kits[s.active]
	return &k, nil
}

func (s *MemStore) Share(ctx context.Context, kitID string, index byte) (*GuardianShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.shares[kitID]
	if !ok {
		return nil, fmt.Errorf("recovery: unknown kit %s", kitID)
	}
	sh, ok := byIndex[index]
	if !ok {
		return nil, fmt.Errorf("recovery: kit %s has no share %d", kitID, index)
	}
	out := *sh
	return &out, nil
}

func (s *MemStore) SetKitStatus(ctx context.Context, kitID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kits[kitID]
	if !ok {
		return fmt.Errorf("recovery: unknown kit %s", kitID)
	}
	k.Status = status
	if status != KitActive && s.active == kitID {
		s.active = ""
	}
	return nil
}
