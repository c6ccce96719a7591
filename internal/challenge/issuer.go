package challenge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Issuer mints signed challenges. The signing secret is the temporal-key
// secret; clients never see it, only the truncated signature.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a challenge issuer with the given signing secret and
// validity window.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock overrides the issuer's clock (for tests).
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue produces a fresh challenge for the identity: 8 hex chars of unix
// seconds followed by an 8-hex-char truncated HMAC over identity||timestamp.
func (i *Issuer) Issue(identity string) (*Challenge, error) {
	now := i.now()
	tsHex := fmt.Sprintf("%08x", now.Unix())

	sig, err := i.sign(identity, tsHex)
	if err != nil {
		// Never leak key material; the caller sees a generic failure.
		return nil, fmt.Errorf("could not issue challenge")
	}

	return &Challenge{
		Token:     tsHex + sig,
		Identity:  identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}, nil
}

// TTL returns the configured validity window.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// sign computes the truncated challenge signature for identity and tsHex.
func (i *Issuer) sign(identity, tsHex string) (string, error) {
	if len(i.secret) == 0 {
		return "", fmt.Errorf("no signing secret configured")
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(identity))
	mac.Write([]byte(tsHex))
	return hex.EncodeToString(mac.Sum(nil))[:SignatureLen], nil
}
