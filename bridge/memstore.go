package bridge

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process TokenStore. Suitable for single-node
// deployments and tests; multi-node deployments back the bridge with
// the sqlite store's conditional update instead.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

// NewMemStore creates an empty in-memory token store.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]*Record)}
}

func (s *MemStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.recs[rec.Token] = &cp
	return nil
}

func (s *MemStore) Consume(ctx context.Context, token string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[token]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Consumed {
		return nil, ErrAlreadyConsumed
	}
	if now.After(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	rec.Consumed = true
	cp := *rec
	return &cp, nil
}

func (s *MemStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, rec := range s.recs {
		if now.After(rec.ExpiresAt) {
			delete(s.recs, token)
			n++
		}
	}
	return n, nil
}
