package keys

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

var testSecrets = Secrets{
	Temporal: strings.Repeat("t", 40),
	Payload:  strings.Repeat("p", 40),
	Identity: strings.Repeat("i", 40),
}

const (
	identityA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	identityB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	testNonce = "00112233445566778899aabbccddeeff"
)

func newTestManager() (*Manager, *MemoryStore) {
	store := NewMemoryStore()
	m := NewManager(testSecrets, store, 2*time.Minute)
	return m, store
}

func testRequest(ts int64) Request {
	return Request{
		Identity:    identityA,
		Score:       100,
		TxCount:     2,
		Timestamp:   ts,
		ClientNonce: testNonce,
	}
}

func TestIssueAndValidate(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	res, err := m.Validate(context.Background(), triple, testRequest(now))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !res.Valid() {
		t.Fatalf("expected HIGH, got %s (%v)", res.Level, res.Errors)
	}
}

func TestIssueKeysAreFresh(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	a := m.Issue(identityA, 100, 2, now, testNonce)
	b := m.Issue(identityA, 100, 2, now, testNonce)
	if a.TemporalKey == b.TemporalKey || a.PayloadKey == b.PayloadKey || a.IdentityKey == b.IdentityKey {
		t.Error("identical parameters must still yield distinct keys (random component)")
	}
}

func TestValidateIdentityBinding(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	req := testRequest(now)
	req.Identity = identityB

	res, err := m.Validate(context.Background(), triple, req)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid() {
		t.Fatal("triple for identity A must not validate for identity B")
	}
	// Payload and identity keys both bind the identity; only temporal passes.
	if res.Level != LevelLow {
		t.Errorf("expected LOW, got %s", res.Level)
	}
}

func TestValidateScoreBinding(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	req := testRequest(now)
	req.Score = 101

	res, err := m.Validate(context.Background(), triple, req)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid() {
		t.Fatal("keys for score=100 must not validate score=101")
	}
	if res.Level != LevelMedium {
		t.Errorf("expected MEDIUM (payload key alone fails), got %s", res.Level)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != KindPayload || res.Errors[0].Reason != ReasonBinding {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestValidateFreshnessBoundary(t *testing.T) {
	m, _ := newTestManager()
	issued := int64(1700000000)

	cases := []struct {
		name  string
		age   int64
		valid bool
	}{
		{"119s old", 119, true},
		{"120s old", 120, true},
		{"121s old", 121, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			triple := m.Issue(identityA, 100, 2, issued, testNonce)
			res, err := m.Validate(context.Background(), triple, testRequest(issued+tc.age))
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if res.Valid() != tc.valid {
				t.Fatalf("age %ds: valid=%v, want %v (%v)", tc.age, res.Valid(), tc.valid, res.Errors)
			}
		})
	}
}

func TestValidateMalformed(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	triple.PayloadKey = "no-separator-here"

	res, err := m.Validate(context.Background(), triple, testRequest(now))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Level != LevelMedium {
		t.Errorf("expected MEDIUM, got %s", res.Level)
	}
	if len(res.Errors) != 1 || res.Errors[0].Reason != ReasonMalformed {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestValidateForgedSignature(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	data, _, _ := strings.Cut(triple.IdentityKey, sigSeparator)
	triple.IdentityKey = data + sigSeparator + strings.Repeat("0", 64)

	res, err := m.Validate(context.Background(), triple, testRequest(now))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid() {
		t.Fatal("forged signature accepted")
	}
	if res.Errors[0].Reason != ReasonBadSignature {
		t.Errorf("expected bad_signature, got %v", res.Errors)
	}
}

func TestValidateSingleUse(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	req := testRequest(now)

	if res, _ := m.Validate(context.Background(), triple, req); !res.Valid() {
		t.Fatal("first validation should pass")
	}

	res, err := m.Validate(context.Background(), triple, req)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Valid() {
		t.Fatal("reused triple accepted")
	}
	for _, ke := range res.Errors {
		if ke.Reason != ReasonReplayed {
			t.Errorf("key %s: expected replayed, got %s", ke.Kind, ke.Reason)
		}
	}
}

// A triple that fails one check must leave no key marked used, otherwise a
// client could never retry after a transient mismatch.
func TestValidateNoPartialMarking(t *testing.T) {
	m, store := newTestManager()
	now := int64(1700000000)

	triple := m.Issue(identityA, 100, 2, now, testNonce)
	req := testRequest(now)
	req.Score = 999 // payload key fails binding

	if res, _ := m.Validate(context.Background(), triple, req); res.Valid() {
		t.Fatal("mismatched request accepted")
	}
	if store.Len() != 0 {
		t.Fatalf("failed validation marked %d keys used", store.Len())
	}

	// The same triple still validates against the request it was issued for.
	if res, _ := m.Validate(context.Background(), triple, testRequest(now)); !res.Valid() {
		t.Fatal("triple should remain usable after a failed attempt")
	}
}

func TestValidateConcurrentSameTriple(t *testing.T) {
	m, _ := newTestManager()
	now := int64(1700000000)

	for i := 0; i < 25; i++ {
		triple := m.Issue(identityA, 100, 2, now, testNonce)
		req := testRequest(now)

		var wg sync.WaitGroup
		results := make(chan Result, 2)
		start := make(chan struct{})
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				res, err := m.Validate(context.Background(), triple, req)
				if err != nil {
					t.Errorf("Validate failed: %v", err)
					return
				}
				results <- res
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		wins := 0
		for res := range results {
			if res.Valid() {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d validations won, want exactly 1", i, wins)
		}
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 4; i++ {
		triple := Triple{
			TemporalKey: "t" + strings.Repeat("x", i+1),
			PayloadKey:  "p" + strings.Repeat("x", i+1),
			IdentityKey: "i" + strings.Repeat("x", i+1),
		}
		if err := store.ReserveTriple(context.Background(), triple, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("ReserveTriple failed: %v", err)
		}
	}

	// Entries from the first two minutes: 2 triples = 6 key strings.
	removed, err := store.SweepExpired(context.Background(), base.Add(2*time.Minute), 100)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if removed != 6 {
		t.Errorf("expected 6 removed, got %d", removed)
	}
	if store.Len() != 6 {
		t.Errorf("expected 6 remaining, got %d", store.Len())
	}
}

func TestMemoryStoreSweepDrainsLargeBacklog(t *testing.T) {
	store := NewMemoryStore()
	base := time.Unix(1700000000, 0)

	// 300 triples is 900 key strings, more than one sweep batch holds.
	const triples = 300
	for i := 0; i < triples; i++ {
		n := strconv.Itoa(i)
		triple := Triple{TemporalKey: "t" + n, PayloadKey: "p" + n, IdentityKey: "i" + n}
		if err := store.ReserveTriple(context.Background(), triple, base); err != nil {
			t.Fatalf("ReserveTriple failed: %v", err)
		}
	}

	removed, err := store.SweepExpired(context.Background(), base.Add(time.Hour), 10000)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if removed != 3*triples {
		t.Errorf("expected %d removed, got %d", 3*triples, removed)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
}
