package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// MinBytes is the minimum entropy of an opaque token.
	MinBytes = 32

	// MaxLen bounds accepted token strings before any store lookup.
	MaxLen = 512

	// FingerprintEnvKey is the env var name for the fingerprint secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	FingerprintEnvKey = "AUTHD_TOKEN_FINGERPRINT_KEY"

	fingerprintHexLen = 16
)

// NewOpaque returns a cryptographically random, URL-safe token of nBytes entropy.
func NewOpaque(nBytes int) (string, error) {
	if nBytes < MinBytes {
		return "", ErrTooFewBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// WellFormed reports whether s could be a token produced by NewOpaque.
// It is a cheap pre-check; only a store lookup decides validity.
func WellFormed(s string) bool {
	if len(s) == 0 || len(s) > MaxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprint returns a short, non-reversible identifier for a token value,
// safe to put in logs and audit records.
func Fingerprint(value string) string {
	var full string
	if key := strings.TrimSpace(os.Getenv(FingerprintEnvKey)); key != "" {
		full = HashHMACSHA256Hex(value, []byte(key))
	} else {
		full = HashSHA256Hex(value)
	}
	return full[:fingerprintHexLen]
}

// FingerprintKeyFromEnv returns the configured key bytes, enforcing a minimum length.
func FingerprintKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(FingerprintEnvKey))
	if raw == "" {
		return nil, ErrFingerprintKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrFingerprintKeyShort
	}
	return b, nil
}
