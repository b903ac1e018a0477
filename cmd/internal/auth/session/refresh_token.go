package session

import (
	"errors"
	"fmt"
	"time"

	"authd/cmd/identity/ids"
	"authd/cmd/security/token"
)

// RefreshToken is a persisted opaque credential.
//
// Once Revoked is set it never clears. ReplacedByTokenValue is set only when
// the token was revoked by rotation; a logout revocation leaves it nil.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenValue string

	IssuedAt  time.Time
	ExpiresAt time.Time

	Revoked     bool
	RevokedAt   *time.Time
	RevokedByIP string

	ReplacedByTokenValue *string

	CreatedByIP string
}

// RevocationReason says how a revoked token ended.
type RevocationReason string

const (
	NotRevoked        RevocationReason = ""
	RevokedByRotation RevocationReason = "rotation"
	RevokedByLogout   RevocationReason = "logout"
)

var errAlreadyRevoked = errors.New("refresh token already revoked")

// IsExpired reports whether now is at or past ExpiresAt.
func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether the token may still be exchanged.
func (t RefreshToken) IsActive(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

// Reason classifies a revoked token.
func (t RefreshToken) Reason() RevocationReason {
	switch {
	case !t.Revoked:
		return NotRevoked
	case t.ReplacedByTokenValue != nil:
		return RevokedByRotation
	default:
		return RevokedByLogout
	}
}

// RotatedTo returns t revoked in favour of successor. t is not modified.
func (t RefreshToken) RotatedTo(successor string, now time.Time, ip string) (RefreshToken, error) {
	if t.Revoked {
		return RefreshToken{}, errAlreadyRevoked
	}
	if successor == "" || successor == t.TokenValue {
		return RefreshToken{}, errors.New("invalid successor token value")
	}
	at := now
	t.Revoked = true
	t.RevokedAt = &at
	t.RevokedByIP = ip
	t.ReplacedByTokenValue = &successor
	return t, nil
}

// LoggedOut returns t revoked without a successor. t is not modified.
func (t RefreshToken) LoggedOut(now time.Time, ip string) (RefreshToken, error) {
	if t.Revoked {
		return RefreshToken{}, errAlreadyRevoked
	}
	at := now
	t.Revoked = true
	t.RevokedAt = &at
	t.RevokedByIP = ip
	t.ReplacedByTokenValue = nil
	return t, nil
}

// newRefreshToken mints a fresh, unrevoked token for userID.
func newRefreshToken(userID string, now time.Time, ttl time.Duration, nBytes int, ip string) (RefreshToken, error) {
	value, err := token.NewOpaque(nBytes)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	return RefreshToken{
		ID:          id,
		UserID:      userID,
		TokenValue:  value,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		CreatedByIP: ip,
	}, nil
}

// checkInsert rejects tokens that could never be valid rows.
func checkInsert(t RefreshToken) error {
	switch {
	case t.ID == "" || t.UserID == "" || t.TokenValue == "":
		return errors.New("refresh token: id, user id and value are required")
	case !t.ExpiresAt.After(t.IssuedAt):
		return errors.New("refresh token: expires_at must be after issued_at")
	case t.Revoked:
		return errors.New("refresh token: cannot insert a revoked token")
	}
	return nil
}

// checkConditionedUpdate enforces the shape of a revocation write: a revoked
// token, and a successor exactly when the token was rotated.
func checkConditionedUpdate(revoked RefreshToken, successor *RefreshToken) error {
	if !revoked.Revoked || revoked.RevokedAt == nil {
		return errors.New("refresh token: conditioned update needs a revoked token")
	}
	switch {
	case successor == nil && revoked.ReplacedByTokenValue != nil:
		return errors.New("refresh token: replacement set without successor")
	case successor != nil && revoked.ReplacedByTokenValue == nil:
		return errors.New("refresh token: successor without replacement")
	case successor != nil && *revoked.ReplacedByTokenValue != successor.TokenValue:
		return errors.New("refresh token: replacement does not match successor")
	}
	if successor != nil {
		return checkInsert(*successor)
	}
	return nil
}
