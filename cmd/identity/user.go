package identity

import (
	"strings"
	"time"
)

// Role is the coarse authorization role embedded in access tokens.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole maps free text to a known Role; unknown values yield ("", false).
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// User is the authentication principal.
type User struct {
	ID           string
	Email        string
	EmailNorm    string
	PasswordHash string
	Role         Role
	Active       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u User) validate(op string) error {
	switch {
	case strings.TrimSpace(u.ID) == "":
		return invalid(op, "missing id")
	case u.EmailNorm == "" || u.EmailNorm != NormalizeEmail(u.Email):
		return invalid(op, "email_norm must equal NormalizeEmail(email)")
	case u.PasswordHash == "":
		return invalid(op, "missing password hash")
	case u.Role == "":
		return invalid(op, "missing role")
	}
	return nil
}
