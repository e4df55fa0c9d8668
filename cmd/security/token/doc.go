// Package token provides the digest used to store refresh tokens server-side.
//
// Refresh tokens never reach the credential store in plaintext. The store keeps
// a 64-char hex digest: HMAC-SHA256(token, key) when a key is configured, and
// plain SHA-256(token) otherwise (development only).
//
// Environment:
//   - MURMUR_TOKEN_HMAC_KEY: when set, enables HMAC mode.
//
// When the server runs with RequireTokenHMAC=true the key must be present and at
// least 32 bytes long; there is no SHA fallback in that mode.
package token
