package challenge

import (
	"context"
	"crypto/hmac"
	"strconv"
	"time"
)

// Verifier checks client nonces against previously issued challenges and
// enforces single use.
type Verifier struct {
	issuer *Issuer
	store  NonceStore
	maxAge time.Duration // staleness ceiling on the embedded timestamp
	skew   time.Duration // future tolerance for client clock drift
	now    func() time.Time
}

// NewVerifier creates a nonce verifier sharing the issuer's signing secret.
func NewVerifier(issuer *Issuer, store NonceStore, maxAge, skew time.Duration) *Verifier {
	return &Verifier{
		issuer: issuer,
		store:  store,
		maxAge: maxAge,
		skew:   skew,
		now:    time.Now,
	}
}

// WithClock overrides the verifier's clock (for tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify validates a client nonce for the claimed identity and, on success,
// marks it used. Checking and marking happen in one atomic store operation:
// of two concurrent requests carrying the same nonce, exactly one passes.
func (v *Verifier) Verify(ctx context.Context, nonce, identity string) error {
	if !isLowerHex(nonce, NonceLen) {
		return ErrFormat
	}

	challengePart := nonce[:ChallengeLen]
	suffix := nonce[ChallengeLen:]
	tsHex := challengePart[:TimestampLen]

	expected, err := v.issuer.sign(identity, tsHex)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(expected), []byte(challengePart[TimestampLen:])) {
		return ErrBadSignature
	}

	ts, err := strconv.ParseInt(tsHex, 16, 64)
	if err != nil {
		return ErrFormat
	}
	issued := time.Unix(ts, 0)
	now := v.now()
	if now.Sub(issued) > v.maxAge || issued.Sub(now) > v.skew {
		return ErrExpired
	}

	// Trivially predictable suffixes are rejected even when the challenge
	// part is genuine: an all-zero tail or a clean multiple of 1000 points
	// at a client that is not actually randomizing.
	sfx, err := strconv.ParseUint(suffix, 16, 64)
	if err != nil {
		return ErrFormat
	}
	if sfx == 0 || sfx%1000 == 0 {
		return ErrPredictable
	}

	return v.store.Reserve(ctx, nonce, now)
}

func isLowerHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
