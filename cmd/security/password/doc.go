// Package password hashes and verifies user passwords with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Encoded hashes are treated as untrusted input during Verify: they are
// strictly decoded and refused when their cost parameters are far above the
// configured ones.
package password
