package security

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMintSessionTokenShape(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token := MintSessionToken(now)

	if err := CheckSessionToken(token, 10*time.Minute, time.Minute, now); err != nil {
		t.Fatalf("freshly minted token rejected: %v", err)
	}

	parts := strings.Split(token, "-")
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d in %q", len(parts), token)
	}
	if parts[1] != strconv.FormatInt(now.Unix(), 10) {
		t.Errorf("timestamp part = %q, want %d", parts[1], now.Unix())
	}
}

func TestCheckSessionTokenFreshness(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token := MintSessionToken(now)

	// Still fresh at TTL boundary.
	if err := CheckSessionToken(token, 10*time.Minute, time.Minute, now.Add(10*time.Minute)); err != nil {
		t.Errorf("token at TTL boundary rejected: %v", err)
	}
	// Stale past the TTL.
	err := CheckSessionToken(token, 10*time.Minute, time.Minute, now.Add(11*time.Minute))
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
	// Issued too far in the future.
	err = CheckSessionToken(token, 10*time.Minute, time.Minute, now.Add(-2*time.Minute))
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired for future token, got %v", err)
	}
}

func TestCheckSessionTokenFormat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	bad := []string{
		"",
		"abc",
		"onlythreeparts-" + ts + "-aabbccdd",
		"UPPERCASE00000000-" + ts + "-aabbccdd-aabbccdd",
		"aabbccddaabbccdd-notanumber-aabbccdd-aabbccdd",
		"aabbccddaabbccdd-" + ts + "-short-aabbccdd",
		"aabbccddaabbccdd-" + ts + "-aabbccdd-aabbccdd-extra",
	}
	for _, token := range bad {
		if err := CheckSessionToken(token, 10*time.Minute, time.Minute, now); !errors.Is(err, ErrTokenFormat) {
			t.Errorf("token %q: expected ErrTokenFormat, got %v", token, err)
		}
	}
}
