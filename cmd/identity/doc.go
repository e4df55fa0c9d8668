// Package identity holds murmur's account model and the credential store.
//
// An Account carries the profile fields the auth surface needs plus the set of
// live refresh-token digests. The set is only ever replaced wholesale through
// Store.PersistRefreshSet, a compare-and-set keyed on Account.Version.
package identity
