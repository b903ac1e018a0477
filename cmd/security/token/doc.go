// Package token provides opaque refresh-token primitives for authd.
//
// It is the single source of truth for how refresh-token values are generated
// and how they are referred to in logs.
//
// Design goals:
// - Values are URL-safe base64 of at least 32 random bytes (>= 256 bits).
// - Values are never logged. Logs carry a short keyed fingerprint instead.
//
// Environment:
//   - AUTHD_TOKEN_FINGERPRINT_KEY: when set, fingerprints use HMAC-SHA256(value, key).
//     Otherwise SHA-256 is used (dev mode).
package token
