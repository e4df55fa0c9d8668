// Package session implements murmur's session credential lifecycle.
//
// A session is a pair of signed tokens: a short-lived access token and a
// longer-lived refresh token. The digest of every live refresh token sits in
// the owning account's refresh set; the set is the sole source of truth for
// whether a refresh token may still be used. Rotation consumes exactly one
// entry. Presenting a verified refresh token that is not in the set is
// treated as theft: the whole set is cleared.
//
// All set mutations go through a bounded compare-and-set loop against
// identity.Store, so concurrent rotations of one token cannot both succeed.
//
// Transport (HTTP/WS) integration lives in the api and realtime packages.
package session
