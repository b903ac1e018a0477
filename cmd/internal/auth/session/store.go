package session

import (
	"context"
	"time"

	"authd/cmd/identity"
	"authd/cmd/security/password"
)

// Store persists refresh tokens.
//
// ConditionedUpdate is the rotation primitive: it writes revoked's revocation
// fields only if the stored row is still unrevoked, and inserts successor
// (when non-nil) in the same atomic unit. If the condition fails nothing is
// written and ErrRevocationConflict is returned.
type Store interface {
	FindByValue(ctx context.Context, value string) (RefreshToken, error)
	Insert(ctx context.Context, t RefreshToken) error
	ConditionedUpdate(ctx context.Context, revoked RefreshToken, successor *RefreshToken) error
	RevokeAllForUser(ctx context.Context, userID string, now time.Time, ip string) (int, error)
}

// Enroller is implemented by stores that keep users and refresh tokens in the
// same database. Enroll inserts a new user and its first refresh token in one
// transaction: either both rows exist afterwards or neither does.
type Enroller interface {
	Enroll(ctx context.Context, u identity.User, first RefreshToken) error
}

// UserRepository is the user storage the service depends on.
// identity.MemoryStore, identity.PostgresStore and identity.SQLiteStore satisfy it.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (identity.User, error)
	FindByID(ctx context.Context, id string) (identity.User, error)
	Insert(ctx context.Context, u identity.User) error
	Update(ctx context.Context, u identity.User) error
	Delete(ctx context.Context, id string) error
}

// PasswordVerifier hashes and checks passwords. *password.Hasher satisfies it.
type PasswordVerifier interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) (bool, error)
}

// TokenSigner issues and verifies access tokens.
type TokenSigner interface {
	IssueAccessToken(userID string, role identity.Role, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

var (
	_ UserRepository   = (*identity.MemoryStore)(nil)
	_ UserRepository   = (*identity.PostgresStore)(nil)
	_ UserRepository   = (*identity.SQLiteStore)(nil)
	_ PasswordVerifier = (*password.Hasher)(nil)
	_ Enroller         = (*PostgresStore)(nil)
	_ Enroller         = (*SQLiteStore)(nil)
)
