package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// MinHMACKeyBytes is the minimum key size accepted when HMAC is enforced.
	MinHMACKeyBytes = 32

	digestHexLen = 64
)

// Hasher computes refresh-token digests. The zero value hashes with SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty key selects SHA-256 mode.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return Hasher{key: cp}
}

// HMAC reports whether the hasher is keyed.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Digest returns the hex digest stored for tok.
func (h Hasher) Digest(tok string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}

// Matches reports whether tok hashes to digest. The comparison is constant-time
// over fixed-length digests; anything that is not a 64-char digest never matches.
func (h Hasher) Matches(tok, digest string) bool {
	return EqualDigest(h.Digest(tok), digest)
}

// EqualDigest compares two 64-char hex digests in constant time.
func EqualDigest(a, b string) bool {
	if len(a) != digestHexLen || len(b) != digestHexLen {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// ValidateKey enforces a minimum byte length on an HMAC key.
// Bytes are measured, not runes, because the key is used raw.
func ValidateKey(key string, minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
