package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps receipts in process memory, newest last.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Receipt
	byIdentity map[string][]*Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Receipt),
		byIdentity: make(map[string][]*Receipt),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.byID[r.ID] = &cp
	s.byIdentity[r.Identity] = append(s.byIdentity[r.Identity], &cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) History(_ context.Context, identity string, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byIdentity[identity]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Receipt, 0, len(all))
	// Newest first.
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Len reports the number of stored receipts. Test hook.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
