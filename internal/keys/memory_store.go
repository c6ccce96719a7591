package keys

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxKeys bounds each kind's in-memory used-set. Eviction is
// age-ordered and incremental, never a full clear.
const DefaultMaxKeys = 100000

type keyEntry struct {
	kind Kind
	key  string
	seen time.Time
}

// MemoryStore is a single-process used-key set covering all three kinds.
// One mutex guards all three sets so the triple reservation is a single
// critical section.
type MemoryStore struct {
	mu    sync.Mutex
	used  map[Kind]map[string]time.Time
	queue []keyEntry
	max   int
}

// NewMemoryStore creates an in-memory used-key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		used: map[Kind]map[string]time.Time{
			KindTemporal: make(map[string]time.Time),
			KindPayload:  make(map[string]time.Time),
			KindIdentity: make(map[string]time.Time),
		},
		max: DefaultMaxKeys,
	}
}

// WithMaxEntries overrides the per-kind eviction cap (for tests).
func (s *MemoryStore) WithMaxEntries(n int) *MemoryStore {
	s.max = n
	return s
}

// Used reports whether the key string was already consumed.
func (s *MemoryStore) Used(_ context.Context, kind Kind, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[kind][key]
	return ok, nil
}

// ReserveTriple consumes all three key strings together. The re-check and
// the inserts share one critical section, so two concurrent requests with
// the same triple cannot both observe "unused", and a losing triple leaves
// no partial marks behind.
func (s *MemoryStore) ReserveTriple(_ context.Context, t Triple, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range Kinds {
		if _, ok := s.used[kind][t.Get(kind)]; ok {
			return ErrTripleReplayed
		}
	}
	for _, kind := range Kinds {
		key := t.Get(kind)
		s.used[kind][key] = now
		s.queue = append(s.queue, keyEntry{kind: kind, key: key, seen: now})
	}

	for s.total() > 3*s.max && len(s.queue) > 0 {
		s.dropOldestLocked()
	}
	return nil
}

// SweepExpired removes up to limit entries recorded before cutoff in
// batches, taking the lock once per batch so triple reservations are never
// stalled behind a full sweep.
func (s *MemoryStore) SweepExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
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

func (s *MemoryStore) sweepBatch(cutoff time.Time, limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for removed < limit && len(s.queue) > 0 && s.queue[0].seen.Before(cutoff) {
		s.dropOldestLocked()
		removed++
	}
	return removed
}

// Len reports the total number of tracked key strings across kinds.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total()
}

func (s *MemoryStore) total() int {
	n := 0
	for _, m := range s.used {
		n += len(m)
	}
	return n
}

func (s *MemoryStore) dropOldestLocked() {
	head := s.queue[0]
	s.queue = s.queue[1:]
	if seen, ok := s.used[head.kind][head.key]; ok && seen.Equal(head.seen) {
		delete(s.used[head.kind], head.key)
	}
}

var _ Store = (*MemoryStore)(nil)
