// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Stored hashes are treated as untrusted input during Verify: decoding is strict
// and parameters far above the configured cost are refused.
package password
