package session

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced to callers. Compare with errors.Is.
var (
	// ErrInvalidCredentials covers unknown email, inactive user and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers unknown, revoked, expired and race-lost refresh tokens alike,
	// and any access token that fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrDuplicateEmail is the ValidationError kind for an already registered email.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidInput is the ValidationError kind for malformed input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal marks unexpected faults (store, signer, entropy).
	ErrInternal = errors.New("internal error")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Store-level sentinels. Stores return these; Service maps them to the kinds above.
var (
	// ErrTokenNotFound is returned by FindByValue when no row matches.
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrRevocationConflict is returned by ConditionedUpdate when the row was
	// already revoked (or vanished) at write time.
	ErrRevocationConflict = errors.New("refresh token revocation conflict")

	// ErrDuplicateToken is returned by Insert when the token value or id already exists.
	ErrDuplicateToken = errors.New("refresh token already exists")
)

// ValidationError is the caller's fault: malformed input or a duplicate email.
type ValidationError struct {
	Op    string
	Field string
	Kind  error
	Msg   string
}

func (e ValidationError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Field != "" {
		s += ": " + e.Field
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e ValidationError) Unwrap() error { return e.Kind }

// AuthError is an expected authentication failure. Its message never says why.
type AuthError struct {
	Op   string
	Kind error
}

func (e AuthError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Kind) }

func (e AuthError) Unwrap() error { return e.Kind }

// InternalError wraps an unexpected fault. Nothing partial was persisted.
type InternalError struct {
	Op  string
	Err error
}

func (e InternalError) Error() string { return fmt.Sprintf("%s: %v: %v", e.Op, ErrInternal, e.Err) }

func (e InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae AuthError
	return errors.As(err, &ae)
}

// IsInternal reports whether err represents ErrInternal.
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }

func invalidCredentials(op string) error { return AuthError{Op: op, Kind: ErrInvalidCredentials} }

func invalidToken(op string) error { return AuthError{Op: op, Kind: ErrInvalidToken} }

func internal(op string, err error) error { return InternalError{Op: op, Err: err} }
