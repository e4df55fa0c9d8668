package token

import (
	"strings"
	"testing"
)

func TestHasher_SHA256Fallback(t *testing.T) {
	t.Parallel()

	h := NewHasher(nil)
	if h.HMAC() {
		t.Fatalf("expected SHA-256 mode without a key")
	}
	if got, want := h.Digest("abc"), HashSHA256Hex("abc"); got != want {
		t.Fatalf("Digest()=%q want %q", got, want)
	}
}

func TestHasher_HMACDiffersFromPlainHash(t *testing.T) {
	t.Parallel()

	h := NewHasher([]byte(strings.Repeat("k", 32)))
	if !h.HMAC() {
		t.Fatalf("expected HMAC mode")
	}
	d := h.Digest("refresh-token")
	if len(d) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(d))
	}
	if d == HashSHA256Hex("refresh-token") {
		t.Fatalf("HMAC digest must differ from plain SHA-256")
	}
	if !h.Matches("refresh-token", d) {
		t.Fatalf("expected token to match its own digest")
	}
	if h.Matches("other-token", d) {
		t.Fatalf("unexpected match for a different token")
	}
}

func TestEqualDigest_RejectsWrongLength(t *testing.T) {
	t.Parallel()

	if EqualDigest("abc", "abc") {
		t.Fatalf("short digests must never match")
	}
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	if _, err := ValidateKey("  ", 32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}
	if _, err := ValidateKey("short", 32); err != ErrHMACKeyTooShort {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}
	if _, err := ValidateKey(strings.Repeat("x", 32), 32); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}
