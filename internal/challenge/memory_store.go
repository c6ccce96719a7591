package challenge

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxNonces bounds the in-memory used-set. When the cap is hit the
// oldest entries are evicted in age order, never the whole set at once. A
// full clear would reopen a replay window for everything issued just before
// the clear.
const DefaultMaxNonces = 100000

type nonceEntry struct {
	nonce string
	seen  time.Time
}

// MemoryNonceStore is a single-process used-nonce set. Entries are kept in
// insertion order, which is age order, so eviction pops from the front.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	queue []nonceEntry
	max   int
}

// NewMemoryNonceStore creates an in-memory used-nonce set.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		seen: make(map[string]time.Time),
		max:  DefaultMaxNonces,
	}
}

// WithMaxEntries overrides the eviction cap (for tests).
func (s *MemoryNonceStore) WithMaxEntries(n int) *MemoryNonceStore {
	s.max = n
	return s
}

// Reserve marks the nonce used, rejecting a nonce that is already present.
// The check and the insert share one critical section.
func (s *MemoryNonceStore) Reserve(_ context.Context, nonce string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[nonce]; ok {
		return ErrReplayed
	}
	s.seen[nonce] = now
	s.queue = append(s.queue, nonceEntry{nonce: nonce, seen: now})

	// Bounded, age-ordered eviction when over cap.
	for len(s.seen) > s.max && len(s.queue) > 0 {
		s.dropOldestLocked()
	}
	return nil
}

// SweepExpired removes up to limit entries recorded before cutoff in
// batches, taking the lock once per batch so concurrent reservations are
// never stalled behind a full sweep.
func (s *MemoryNonceStore) SweepExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}

	const batch = 512
	removed := 0
	for removed < limit {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n := s.sweepBatch(cutoff, min(batch, limit-removed))
		removed += n
		if n == 0 {
			break
		}
	}
	return removed, nil
}

func (s *MemoryNonceStore) sweepBatch(cutoff time.Time, limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for removed < limit && len(s.queue) > 0 && s.queue[0].seen.Before(cutoff) {
		s.dropOldestLocked()
		removed++
	}
	return removed
}

// Len reports the current number of tracked nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// dropOldestLocked removes the front of the queue. Caller holds s.mu. The
// map entry is deleted only when its timestamp matches the queue entry.
func (s *MemoryNonceStore) dropOldestLocked() {
	head := s.queue[0]
	s.queue = s.queue[1:]
	if seen, ok := s.seen[head.nonce]; ok && seen.Equal(head.seen) {
		delete(s.seen, head.nonce)
	}
}

var _ NonceStore = (*MemoryNonceStore)(nil)
