package identity

import (
	"time"

	"murmur/cmd/identity/ids"
)

// NewULID returns a new account ID (26-char ULID).
func NewULID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// ValidID reports whether s looks like an account ID.
func ValidID(s string) bool { return ids.Valid(s) }
