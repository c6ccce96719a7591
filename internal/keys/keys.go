// Package keys implements the three-proof validation scheme for score
// submissions.
//
// Every submission must carry three independently signed, single-use proofs:
// a temporal key bound to the issuance time and client nonce, a payload key
// bound to the reported score and transaction count, and an identity key
// bound to the claimed identity. Each kind signs with its own secret and
// carries its own random component, so recovering one signing relationship
// forges nothing else, and splicing a valid payload onto another identity or
// timestamp fails the binding checks.
package keys

import (
	"context"
	"errors"
	"time"
)

// Kind names one of the three proof kinds.
type Kind string

const (
	KindTemporal Kind = "temporal"
	KindPayload  Kind = "payload"
	KindIdentity Kind = "identity"
)

// Kinds lists the proof kinds in canonical order.
var Kinds = []Kind{KindTemporal, KindPayload, KindIdentity}

// Level counts how many of the three proofs passed.
type Level int

const (
	LevelFailed Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

// String returns the wire name of the level.
func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "HIGH"
	case LevelMedium:
		return "MEDIUM"
	case LevelLow:
		return "LOW"
	default:
		return "FAILED"
	}
}

// Triple carries the three key strings a client submits.
type Triple struct {
	TemporalKey string `json:"temporalKey" binding:"required"`
	PayloadKey  string `json:"payloadKey" binding:"required"`
	IdentityKey string `json:"identityKey" binding:"required"`
}

// Get returns the key string for a kind.
func (t Triple) Get(kind Kind) string {
	switch kind {
	case KindTemporal:
		return t.TemporalKey
	case KindPayload:
		return t.PayloadKey
	default:
		return t.IdentityKey
	}
}

// Request holds the submission fields the keys must attest to.
type Request struct {
	Identity    string
	Score       int64
	TxCount     int64
	Timestamp   int64 // unix seconds at validation time
	ClientNonce string
}

// KeyError reports why one key failed, without echoing secret-derived values.
type KeyError struct {
	Kind   Kind   `json:"key"`
	Reason string `json:"reason"`
}

// Failure reason codes.
const (
	ReasonMalformed    = "malformed"
	ReasonReplayed     = "replayed"
	ReasonBadSignature = "bad_signature"
	ReasonBinding      = "binding_mismatch"
	ReasonStale        = "stale"
)

// Result is the outcome of validating a triple.
type Result struct {
	Level  Level
	Errors []KeyError
}

// Valid reports whether the triple reached the only accepted level.
func (r Result) Valid() bool {
	return r.Level == LevelHigh
}

// ErrTripleReplayed is returned when the atomic triple reservation loses to
// a concurrent request carrying the same keys.
var ErrTripleReplayed = errors.New("keys: key triple already consumed")

// Store is the used-key set for all three kinds.
type Store interface {
	// Used reports whether the exact key string was already consumed.
	Used(ctx context.Context, kind Kind, key string) (bool, error)
	// ReserveTriple consumes all three key strings as one atomic operation.
	// Either all three are recorded or none is; a triple any member of which
	// is already present returns ErrTripleReplayed.
	ReserveTriple(ctx context.Context, t Triple, now time.Time) error
	// SweepExpired evicts entries recorded before cutoff, at most limit per
	// call, and reports how many were removed.
	SweepExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
