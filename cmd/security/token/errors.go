package token

import "errors"

// Public, stable errors for callers.
var (
	ErrTooFewBytes           = errors.New("token entropy below 32 bytes")
	ErrFingerprintKeyMissing = errors.New("token fingerprint key missing")
	ErrFingerprintKeyShort   = errors.New("token fingerprint key too short")
)
