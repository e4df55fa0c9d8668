// Package federated links external identity-provider profiles to murmur
// accounts and drives the OAuth2 authorization-code flow.
//
// The email address reported by the provider is the linking key. An existing
// account with that email is reused as-is; otherwise a password-less account
// is created. Sessions for the resolved account are issued by the session
// package exactly like password logins.
package federated
