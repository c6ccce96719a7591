package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the in-memory cache. The oldest entries are
// evicted first once the cap is reached.
const DefaultMaxEntries = 50000

type entry struct {
	pending   bool
	outcome   Outcome
	createdAt time.Time
}

type queued struct {
	fingerprint string
	createdAt   time.Time
}

// MemoryCache is the single-process Cache. A mutex guards the map and the
// insertion-order queue together, so reserve and resolve are atomic.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	queue   []queued
	max     int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*entry),
		max:     DefaultMaxEntries,
	}
}

// WithMaxEntries overrides the eviction cap. Test hook.
func (c *MemoryCache) WithMaxEntries(max int) *MemoryCache {
	c.max = max
	return c
}

func (c *MemoryCache) LookupOrReserve(_ context.Context, fingerprint string, now time.Time) (Lookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fingerprint]; ok {
		if e.pending {
			return Lookup{Pending: true}, nil
		}
		return Lookup{Outcome: e.outcome}, nil
	}

	for len(c.entries) >= c.max {
		c.dropOldestLocked()
	}
	c.entries[fingerprint] = &entry{pending: true, createdAt: now}
	c.queue = append(c.queue, queued{fingerprint: fingerprint, createdAt: now})
	return Lookup{Reserved: true}, nil
}

func (c *MemoryCache) Resolve(_ context.Context, fingerprint string, out Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		// Evicted while in flight. Re-insert so late duplicates still
		// collapse onto the outcome.
		c.entries[fingerprint] = &entry{outcome: out, createdAt: out.CreatedAt}
		c.queue = append(c.queue, queued{fingerprint: fingerprint, createdAt: out.CreatedAt})
		return nil
	}
	e.pending = false
	e.outcome = out
	return nil
}

func (c *MemoryCache) Release(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
	return nil
}

// SweepExpired evicts entries created before cutoff in batches, taking the
// lock once per batch.
func (c *MemoryCache) SweepExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const batch = 512
	removed := 0
	for removed < limit {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n := c.sweepBatch(cutoff, min(batch, limit-removed))
		removed += n
		if n == 0 {
			break
		}
	}
	return removed, nil
}

func (c *MemoryCache) sweepBatch(cutoff time.Time, limit int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for len(c.queue) > 0 && removed < limit {
		head := c.queue[0]
		if !head.createdAt.Before(cutoff) {
			break
		}
		c.queue = c.queue[1:]
		if e, ok := c.entries[head.fingerprint]; ok && e.createdAt.Equal(head.createdAt) {
			delete(c.entries, head.fingerprint)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) dropOldestLocked() {
	for len(c.queue) > 0 {
		head := c.queue[0]
		c.queue = c.queue[1:]
		if e, ok := c.entries[head.fingerprint]; ok && e.createdAt.Equal(head.createdAt) {
			delete(c.entries, head.fingerprint)
			return
		}
	}
}

// Len reports the number of live entries. Test hook.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
