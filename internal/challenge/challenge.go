// Package challenge implements the challenge/response handshake that gates
// score submissions.
//
// The server hands a client a short-lived signed challenge bound to its
// identity. The client folds the challenge into a nonce (challenge plus a
// random suffix) and presents it with its submission. A nonce validates at
// most once: the used-set records it atomically at first successful
// verification, so a second presentation fails regardless of how valid the
// signature still is.
package challenge

import (
	"context"
	"errors"
	"time"
)

// Token sizes, in hex characters.
const (
	TimestampLen = 8
	SignatureLen = 8
	ChallengeLen = TimestampLen + SignatureLen
	SuffixLen    = 16
	NonceLen     = ChallengeLen + SuffixLen
)

// Verification failure reasons. The server maps all of these to 401; the
// reason string travels in the response body so clients can distinguish
// "get a fresh challenge" from "stop replaying".
var (
	ErrFormat       = errors.New("challenge: nonce is not 32 lowercase hex characters")
	ErrBadSignature = errors.New("challenge: signature does not match identity")
	ErrExpired      = errors.New("challenge: timestamp outside the validity window")
	ErrPredictable  = errors.New("challenge: nonce suffix fails the entropy check")
	ErrReplayed     = errors.New("challenge: nonce already used")
)

// Reason returns the wire-level reason code for a verification error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrPredictable):
		return "predictable"
	case errors.Is(err, ErrReplayed):
		return "replayed"
	default:
		return "invalid"
	}
}

// Challenge is a server-issued, time-bound, signed seed the client must fold
// into its nonce.
type Challenge struct {
	Token     string    `json:"challenge"` // 16 lowercase hex chars
	Identity  string    `json:"identity"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NonceStore is the used-nonce set. Reserve must be atomic: of two
// concurrent calls with the same nonce exactly one succeeds.
type NonceStore interface {
	// Reserve records the nonce as used. Returns ErrReplayed if it was
	// already present.
	Reserve(ctx context.Context, nonce string, now time.Time) error
	// SweepExpired evicts entries recorded before cutoff, at most limit per
	// call, and reports how many were removed.
	SweepExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
