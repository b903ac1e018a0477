package app

import (
	"errors"

	"authd/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireFingerprintKey {
		return nil
	}

	if _, err := token.FingerprintKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrFingerprintKeyMissing):
			return errors.New("security policy: AUTHD_REQUIRE_FINGERPRINT_KEY=true but AUTHD_TOKEN_FINGERPRINT_KEY is missing")
		case errors.Is(err, token.ErrFingerprintKeyShort):
			return errors.New("security policy: AUTHD_TOKEN_FINGERPRINT_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}
