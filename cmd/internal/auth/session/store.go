package session

import (
	"context"

	"murmur/cmd/identity"
)

// Store is the slice of identity.Store the session service needs.
type Store interface {
	LoadByID(ctx context.Context, id string) (identity.Account, error)
	PersistRefreshSet(ctx context.Context, id string, expectedVersion int64, set identity.RefreshSet) error
}

// EventType names a session event pushed to connected clients.
type EventType string

const (
	// EventRevoked: every session of the account was revoked (refresh replay).
	EventRevoked EventType = "session.revoked"
	// EventLogout: one session of the account ended.
	EventLogout EventType = "session.logout"
)

// Event is a session lifecycle notification for one account.
type Event struct {
	Type      EventType
	AccountID string
	Reason    string
	At        int64 // unix seconds
}

// Publisher receives session events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
