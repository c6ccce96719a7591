// Package dedup collapses retried submissions onto a single outcome. The
// cache is keyed by an (identity, nonce) fingerprint: the first request in
// reserves an in-flight placeholder, every later request with the same
// fingerprint sees either the placeholder or the stored terminal outcome.
package dedup

import (
	"context"
	"encoding/json"
	"time"
)

// Outcome is the terminal result of a submission, replayed verbatim to
// duplicates. Body carries the original JSON response.
type Outcome struct {
	Code      int             `json:"code"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Lookup is the result of LookupOrReserve. Exactly one of the three cases
// holds: Reserved (caller owns the fingerprint and must Resolve or Release
// it), Pending (another request holds it in flight), or a terminal Outcome.
type Lookup struct {
	Reserved bool
	Pending  bool
	Outcome  Outcome
}

// Cache is the deduplication store. LookupOrReserve must be atomic: two
// concurrent calls with the same fingerprint must not both see Reserved.
type Cache interface {
	LookupOrReserve(ctx context.Context, fingerprint string, now time.Time) (Lookup, error)
	// Resolve replaces the in-flight placeholder with a terminal outcome.
	Resolve(ctx context.Context, fingerprint string, out Outcome) error
	// Release drops a reservation without a terminal outcome, so the next
	// attempt with the same fingerprint starts fresh.
	Release(ctx context.Context, fingerprint string) error
	// SweepExpired removes up to limit entries created before cutoff.
	SweepExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Fingerprint builds the cache key for a submission.
func Fingerprint(identity, nonce string) string {
	return identity + ":" + nonce
}
