package keys

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rfallows/scoregate/internal/idgen"
)

// sigSeparator splits the attested data from its signature. Data fields are
// ":"-delimited and never contain a dot.
const sigSeparator = "."

// randomBytes is the length of the fresh random component folded into each
// key's data string.
const randomBytes = 16

// Secrets holds the three independent signing secrets.
type Secrets struct {
	Temporal string
	Payload  string
	Identity string
}

func (s Secrets) forKind(kind Kind) []byte {
	switch kind {
	case KindTemporal:
		return []byte(s.Temporal)
	case KindPayload:
		return []byte(s.Payload)
	default:
		return []byte(s.Identity)
	}
}

// Manager issues and validates key triples.
type Manager struct {
	secrets   Secrets
	store     Store
	freshness time.Duration
	now       func() time.Time
}

// NewManager creates a key manager. Freshness bounds how far a key's embedded
// timestamp may drift from the submission time.
func NewManager(secrets Secrets, store Store, freshness time.Duration) *Manager {
	return &Manager{
		secrets:   secrets,
		store:     store,
		freshness: freshness,
		now:       time.Now,
	}
}

// WithClock overrides the manager's clock (for tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue derives the three single-use keys for a submission. Each data string
// embeds the attested fields plus a fresh random component; the client
// receives only data:signature pairs and never the signing secrets.
func (m *Manager) Issue(identity string, score, txCount, timestamp int64, clientNonce string) Triple {
	temporalData := fmt.Sprintf("%d:%s:%s", timestamp, clientNonce, idgen.Hex(randomBytes))
	payloadData := fmt.Sprintf("%s:%d:%d:%s", identity, score, txCount, idgen.Hex(randomBytes))
	identityData := fmt.Sprintf("%s:%d:%s", identity, timestamp, idgen.Hex(randomBytes))

	return Triple{
		TemporalKey: m.sign(KindTemporal, temporalData),
		PayloadKey:  m.sign(KindPayload, payloadData),
		IdentityKey: m.sign(KindIdentity, identityData),
	}
}

// Validate checks each key independently and, when all three pass, consumes
// the triple atomically. Partial consumption never happens: a triple that
// fails any check leaves all used-sets untouched.
func (m *Manager) Validate(ctx context.Context, triple Triple, req Request) (Result, error) {
	var result Result

	checks := map[Kind]func(data string, req Request) string{
		KindTemporal: m.checkTemporal,
		KindPayload:  m.checkPayload,
		KindIdentity: m.checkIdentity,
	}

	for _, kind := range Kinds {
		reason, err := m.validateOne(ctx, kind, triple.Get(kind), req, checks[kind])
		if err != nil {
			return Result{}, err
		}
		if reason == "" {
			result.Level++
		} else {
			result.Errors = append(result.Errors, KeyError{Kind: kind, Reason: reason})
		}
	}

	if result.Level != LevelHigh {
		return result, nil
	}

	// All three passed: consume them together. Losing the reservation race
	// means a concurrent request with the same triple got there first.
	if err := m.store.ReserveTriple(ctx, triple, m.now()); err != nil {
		if errors.Is(err, ErrTripleReplayed) {
			result.Level = LevelFailed
			result.Errors = []KeyError{
				{Kind: KindTemporal, Reason: ReasonReplayed},
				{Kind: KindPayload, Reason: ReasonReplayed},
				{Kind: KindIdentity, Reason: ReasonReplayed},
			}
			return result, nil
		}
		return Result{}, err
	}

	return result, nil
}

// validateOne runs the per-key checks in order: shape, replay, signature,
// then the kind-specific binding check. Returns a reason code, or "" when
// the key passes.
func (m *Manager) validateOne(ctx context.Context, kind Kind, key string, req Request, bind func(string, Request) string) (string, error) {
	data, sig, ok := strings.Cut(key, sigSeparator)
	if !ok || data == "" || sig == "" {
		return ReasonMalformed, nil
	}

	used, err := m.store.Used(ctx, kind, key)
	if err != nil {
		return "", err
	}
	if used {
		return ReasonReplayed, nil
	}

	if !hmac.Equal([]byte(m.signature(kind, data)), []byte(sig)) {
		return ReasonBadSignature, nil
	}

	return bind(data, req), nil
}

// checkTemporal binds the key to the client nonce and requires the embedded
// timestamp to sit within the freshness window of the submission time.
func (m *Manager) checkTemporal(data string, req Request) string {
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		return ReasonMalformed
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ReasonMalformed
	}
	if parts[1] != req.ClientNonce {
		return ReasonBinding
	}
	drift := req.Timestamp - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(m.freshness/time.Second) {
		return ReasonStale
	}
	return ""
}

// checkPayload binds the key to the reported identity, score, and tx count.
func (m *Manager) checkPayload(data string, req Request) string {
	parts := strings.Split(data, ":")
	if len(parts) != 4 {
		return ReasonMalformed
	}
	score, err1 := strconv.ParseInt(parts[1], 10, 64)
	txCount, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return ReasonMalformed
	}
	if parts[0] != req.Identity || score != req.Score || txCount != req.TxCount {
		return ReasonBinding
	}
	return ""
}

// checkIdentity binds the key to the claimed identity and requires its
// embedded timestamp to be as fresh as the temporal key's.
func (m *Manager) checkIdentity(data string, req Request) string {
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		return ReasonMalformed
	}
	if parts[0] != req.Identity {
		return ReasonBinding
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ReasonMalformed
	}
	drift := req.Timestamp - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(m.freshness/time.Second) {
		return ReasonStale
	}
	return ""
}

// sign returns the full key string for data under the kind's secret.
func (m *Manager) sign(kind Kind, data string) string {
	return data + sigSeparator + m.signature(kind, data)
}

func (m *Manager) signature(kind Kind, data string) string {
	mac := hmac.New(sha256.New, m.secrets.forKind(kind))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
