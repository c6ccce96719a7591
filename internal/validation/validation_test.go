package validation

import "testing"

func TestIsValidIdentity(t *testing.T) {
	cases := []struct {
		identity string
		want     bool
	}{
		{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"0xAbCdEf0123456789aBcDeF0123456789AbCdEf01", true},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true}, // no prefix, still an address
		{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"0xzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false},
		{"", false},
		{"0x", false},
	}
	for _, tc := range cases {
		if got := IsValidIdentity(tc.identity); got != tc.want {
			t.Errorf("IsValidIdentity(%q) = %v, want %v", tc.identity, got, tc.want)
		}
	}
}

func TestIsValidNonce(t *testing.T) {
	cases := []struct {
		nonce string
		want  bool
	}{
		{"00112233445566778899aabbccddeeff", true},
		{"00112233445566778899AABBCCDDEEFF", false}, // uppercase
		{"00112233445566778899aabbccddee", false},   // short
		{"00112233445566778899aabbccddeeff00", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsValidNonce(tc.nonce); got != tc.want {
			t.Errorf("IsValidNonce(%q) = %v, want %v", tc.nonce, got, tc.want)
		}
	}
}

func TestNormalizeIdentity(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0xABCDEF0123456789ABCDEF0123456789ABCDEF01", "0xabcdef0123456789abcdef0123456789abcdef01"},
		{"  0xabc  ", "0xabc"},
		{"abcdef0123456789abcdef0123456789abcdef01", "0xabcdef0123456789abcdef0123456789abcdef01"},
	}
	for _, tc := range cases {
		if got := NormalizeIdentity(tc.in); got != tc.want {
			t.Errorf("NormalizeIdentity(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("identity", ""),
		NonNegative("score", -5),
		AtMost("txCount", 20, 10),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}

	errs = Validate(
		Required("identity", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		ValidIdentity("identity", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		NonNegative("score", 0),
		AtMost("score", 100, 1000),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}
