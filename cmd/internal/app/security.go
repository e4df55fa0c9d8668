package app

import (
	"errors"
	"fmt"
	"strings"

	"murmur/cmd/security/token"
)

// NewTokenHasher builds the refresh-token digest hasher and enforces the
// HMAC policy at startup.
//
// With MURMUR_REQUIRE_TOKEN_HMAC=true a missing or short key is fatal. Without
// it an absent key selects plain SHA-256 digests, but a key that is present
// and too short is still rejected.
func NewTokenHasher(cfg Config) (token.Hasher, error) {
	if strings.TrimSpace(cfg.TokenHMACKey) == "" && !cfg.RequireTokenHMAC {
		return token.NewHasher(nil), nil
	}

	key, err := token.ValidateKey(cfg.TokenHMACKey, token.MinHMACKeyBytes)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, errors.New("security policy: MURMUR_REQUIRE_TOKEN_HMAC=true but MURMUR_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, fmt.Errorf("security policy: MURMUR_TOKEN_HMAC_KEY is too short (min %d bytes)", token.MinHMACKeyBytes)
		default:
			return token.Hasher{}, err
		}
	}

	h := token.NewHasher(key)
	if cfg.RequireTokenHMAC && !h.HMAC() {
		return token.Hasher{}, errors.New("security policy: token hasher is not in HMAC mode")
	}
	return h, nil
}
