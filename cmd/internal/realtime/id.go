package realtime

import (
	"time"

	"murmur/cmd/identity/ids"
)

// NewConnID returns a ULID identifying one websocket connection.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id. On entropy failure it
// returns an empty string; envelope ids are informational.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
