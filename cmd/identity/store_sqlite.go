package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements user persistence over a database/sql handle opened
// with the modernc.org/sqlite driver. The handle is owned by the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("identity: nil sqlite db")
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the users table if missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT    PRIMARY KEY,
			email         TEXT    NOT NULL,
			email_norm    TEXT    NOT NULL,
			password_hash TEXT    NOT NULL,
			role          TEXT    NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_users_email_norm ON users (email_norm);
	`)
	return err
}

const sqliteUserColumns = `id, email, email_norm, password_hash, role, active, created_at, updated_at`

// FindByEmail looks a user up by case-insensitive email.
func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, "identity.FindByEmail",
		`SELECT `+sqliteUserColumns+` FROM users WHERE email_norm = ?`, NormalizeEmail(email))
}

// FindByID looks a user up by ID.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (User, error) {
	return s.findOne(ctx, "identity.FindByID",
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id)
}

func (s *SQLiteStore) findOne(ctx context.Context, op, query string, arg any) (User, error) {
	var (
		u                    User
		role                 string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.EmailNorm, &u.PasswordHash, &role, &u.Active, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.Role = Role(role)
	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updatedAt)
	return u, nil
}

// Insert stores a new user; the unique index on email_norm decides races.
func (s *SQLiteStore) Insert(ctx context.Context, u User) error {
	return InsertSQLite(ctx, s.db, u)
}

// SQLExecer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type SQLExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertSQLite inserts u into users through q. Pass a *sql.Tx to make the
// insert part of a larger transaction.
func InsertSQLite(ctx context.Context, q SQLExecer, u User) error {
	const op = "identity.Insert"
	if err := u.validate(op); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO users (`+sqliteUserColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.EmailNorm, u.PasswordHash, string(u.Role), u.Active, toNanos(u.CreatedAt), toNanos(u.UpdatedAt),
	)
	if err != nil {
		if field, ok := sqliteClassifyUnique(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Update replaces the mutable fields of an existing user.
func (s *SQLiteStore) Update(ctx context.Context, u User) error {
	const op = "identity.Update"
	if err := u.validate(op); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users
		    SET email = ?, email_norm = ?, password_hash = ?, role = ?, active = ?, updated_at = ?
		  WHERE id = ?`,
		u.Email, u.EmailNorm, u.PasswordHash, string(u.Role), u.Active, toNanos(u.UpdatedAt), u.ID,
	)
	if err != nil {
		if field, ok := sqliteClassifyUnique(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// Delete removes a user that owns no refresh tokens; the foreign key
// rejects the rest.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const op = "identity.Delete"
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// sqliteClassifyUnique inspects the driver message; modernc reports
// "UNIQUE constraint failed: users.email_norm".
func sqliteClassifyUnique(err error) (string, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") && !strings.Contains(msg, "PRIMARY KEY") {
		return "", false
	}
	switch {
	case strings.Contains(msg, "email_norm"):
		return "email", true
	case strings.Contains(msg, "users.id"):
		return "id", true
	default:
		return "unknown", true
	}
}

// Timestamps are stored as UTC Unix nanoseconds so round-trips are exact.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
