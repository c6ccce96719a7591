package dedup

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

const testFingerprint = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:00112233445566778899aabbccddeeff"

func TestLookupOrReserve(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	ctx := context.Background()

	first, err := cache.LookupOrReserve(ctx, testFingerprint, now)
	if err != nil {
		t.Fatalf("LookupOrReserve failed: %v", err)
	}
	if !first.Reserved {
		t.Fatalf("first lookup should reserve, got %+v", first)
	}

	second, err := cache.LookupOrReserve(ctx, testFingerprint, now)
	if err != nil {
		t.Fatalf("LookupOrReserve failed: %v", err)
	}
	if !second.Pending {
		t.Fatalf("in-flight fingerprint should report pending, got %+v", second)
	}

	out := Outcome{Code: 200, Body: json.RawMessage(`{"success":true}`), CreatedAt: now}
	if err := cache.Resolve(ctx, testFingerprint, out); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	third, err := cache.LookupOrReserve(ctx, testFingerprint, now.Add(time.Second))
	if err != nil {
		t.Fatalf("LookupOrReserve failed: %v", err)
	}
	if third.Reserved || third.Pending {
		t.Fatalf("resolved fingerprint should return the outcome, got %+v", third)
	}
	if third.Outcome.Code != 200 || string(third.Outcome.Body) != `{"success":true}` {
		t.Errorf("unexpected outcome: %+v", third.Outcome)
	}
}

func TestConcurrentReserve(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)

	for i := 0; i < 50; i++ {
		fp := Fingerprint("0xabc", string(rune('a'+i%26))+"-nonce")
		_ = cache.Release(context.Background(), fp)

		var wg sync.WaitGroup
		reservations := make(chan bool, 4)
		start := make(chan struct{})
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				res, err := cache.LookupOrReserve(context.Background(), fp, now)
				if err != nil {
					t.Errorf("LookupOrReserve failed: %v", err)
					return
				}
				reservations <- res.Reserved
			}()
		}
		close(start)
		wg.Wait()
		close(reservations)

		wins := 0
		for r := range reservations {
			if r {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d reservations won, want exactly 1", i, wins)
		}
	}
}

func TestRelease(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	ctx := context.Background()

	if res, _ := cache.LookupOrReserve(ctx, testFingerprint, now); !res.Reserved {
		t.Fatal("expected reservation")
	}
	if err := cache.Release(ctx, testFingerprint); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if res, _ := cache.LookupOrReserve(ctx, testFingerprint, now); !res.Reserved {
		t.Fatal("released fingerprint should be reservable again")
	}
}

func TestSweepExpired(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		fp := Fingerprint("0xabc", string(rune('a'+i)))
		if res, _ := cache.LookupOrReserve(ctx, fp, base.Add(time.Duration(i)*time.Minute)); !res.Reserved {
			t.Fatalf("fingerprint %d not reserved", i)
		}
	}

	removed, err := cache.SweepExpired(ctx, base.Add(3*time.Minute), 100)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 remaining, got %d", cache.Len())
	}
}

func TestBoundedEviction(t *testing.T) {
	cache := NewMemoryCache().WithMaxEntries(3)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		fp := Fingerprint("0xabc", string(rune('a'+i)))
		cache.LookupOrReserve(ctx, fp, base.Add(time.Duration(i)*time.Second))
	}
	if cache.Len() != 3 {
		t.Fatalf("expected cap of 3, got %d", cache.Len())
	}

	// The oldest fingerprints were evicted, so they reserve fresh.
	if res, _ := cache.LookupOrReserve(ctx, Fingerprint("0xabc", "a"), base.Add(time.Minute)); !res.Reserved {
		t.Error("evicted fingerprint should reserve again")
	}
	// The newest survives and still reports pending.
	if res, _ := cache.LookupOrReserve(ctx, Fingerprint("0xabc", "e"), base.Add(time.Minute)); !res.Pending {
		t.Error("recent fingerprint should still be pending")
	}
}

func TestResolveAfterEviction(t *testing.T) {
	cache := NewMemoryCache().WithMaxEntries(1)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	cache.LookupOrReserve(ctx, testFingerprint, base)
	// A newer reservation pushes the first one out.
	cache.LookupOrReserve(ctx, Fingerprint("0xdef", "z"), base.Add(time.Second))

	out := Outcome{Code: 200, Body: json.RawMessage(`{}`), CreatedAt: base}
	if err := cache.Resolve(ctx, testFingerprint, out); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	res, _ := cache.LookupOrReserve(ctx, testFingerprint, base.Add(2*time.Second))
	if res.Reserved || res.Pending || res.Outcome.Code != 200 {
		t.Fatalf("outcome lost after eviction: %+v", res)
	}
}
