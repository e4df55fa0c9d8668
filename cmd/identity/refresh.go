package identity

import (
	"time"

	"murmur/cmd/security/token"
)

// RefreshEntry is one live refresh token, stored as a digest.
type RefreshEntry struct {
	Hash      string    `json:"hash" bson:"hash"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expires_at"`
}

// RefreshSet is the set of refresh tokens currently honored for an account.
// Methods never mutate the receiver.
type RefreshSet []RefreshEntry

// Without returns the set minus digest and whether it was present.
func (s RefreshSet) Without(digest string) (RefreshSet, bool) {
	out := make(RefreshSet, 0, len(s))
	removed := false
	for _, e := range s {
		if !removed && token.EqualDigest(e.Hash, digest) {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

// Live drops entries with ExpiresAt <= now.
func (s RefreshSet) Live(now time.Time) RefreshSet {
	out := make(RefreshSet, 0, len(s))
	for _, e := range s {
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	return out
}

// With adds e and prunes dead entries. Live entries are never dropped: an
// honored token that vanished from the set would later read as a replay.
func (s RefreshSet) With(e RefreshEntry, now time.Time) RefreshSet {
	return append(s.Live(now), e)
}

func (s RefreshSet) clone() RefreshSet {
	if s == nil {
		return RefreshSet{}
	}
	return append(RefreshSet(nil), s...)
}
