package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"authd/cmd/identity"
)

// SQLiteStore persists refresh tokens in SQLite (modernc.org/sqlite).
//
// The handle must come from sqlitedb.Open: transactions begin IMMEDIATE, so
// two rotations of the same token serialize on the write lock and the second
// sees revoked = 1.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("session: nil sqlite db")
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the refresh_tokens table. Run identity's Migrate first.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			id                      TEXT    PRIMARY KEY,
			user_id                 TEXT    NOT NULL REFERENCES users (id) ON DELETE RESTRICT,
			token_value             TEXT    NOT NULL UNIQUE,
			issued_at               INTEGER NOT NULL,
			expires_at              INTEGER NOT NULL,
			revoked                 INTEGER NOT NULL DEFAULT 0,
			revoked_at              INTEGER NULL,
			revoked_by_ip           TEXT    NULL,
			replaced_by_token_value TEXT    NULL,
			created_by_ip           TEXT    NULL,
			CHECK (expires_at > issued_at),
			CHECK (revoked = (revoked_at IS NOT NULL))
		);
		CREATE INDEX IF NOT EXISTS ix_refresh_tokens_user_id ON refresh_tokens (user_id);
	`)
	return err
}

func (s *SQLiteStore) FindByValue(ctx context.Context, value string) (RefreshToken, error) {
	var (
		t                         RefreshToken
		issued, expires           int64
		revokedAt                 sql.NullInt64
		revokedByIP, replaced, ip sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_value, issued_at, expires_at, revoked, revoked_at,
		       revoked_by_ip, replaced_by_token_value, created_by_ip
		  FROM refresh_tokens WHERE token_value = ?
	`, value).Scan(
		&t.ID, &t.UserID, &t.TokenValue, &issued, &expires, &t.Revoked, &revokedAt,
		&revokedByIP, &replaced, &ip,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrTokenNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("session: find refresh token: %w", err)
	}

	t.IssuedAt = fromNanos(issued)
	t.ExpiresAt = fromNanos(expires)
	if revokedAt.Valid {
		at := fromNanos(revokedAt.Int64)
		t.RevokedAt = &at
	}
	if replaced.Valid {
		v := replaced.String
		t.ReplacedByTokenValue = &v
	}
	t.RevokedByIP = revokedByIP.String
	t.CreatedByIP = ip.String
	return t, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, t RefreshToken) error {
	if err := checkInsert(t); err != nil {
		return err
	}
	return insertSQLite(ctx, s.db, t)
}

func insertSQLite(ctx context.Context, db identity.SQLExecer, t RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_value, issued_at, expires_at, created_by_ip)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.TokenValue, toNanos(t.IssuedAt), toNanos(t.ExpiresAt), nullIfEmpty(t.CreatedByIP))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateToken
		}
		return fmt.Errorf("session: insert refresh token: %w", err)
	}
	return nil
}

// Enroll inserts u and first in one IMMEDIATE transaction.
func (s *SQLiteStore) Enroll(ctx context.Context, u identity.User, first RefreshToken) error {
	if err := checkInsert(first); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := identity.InsertSQLite(ctx, tx, u); err != nil {
		return err
	}
	if err := insertSQLite(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConditionedUpdate(ctx context.Context, revoked RefreshToken, successor *RefreshToken) error {
	if err := checkConditionedUpdate(revoked, successor); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var replaced any
	if revoked.ReplacedByTokenValue != nil {
		replaced = *revoked.ReplacedByTokenValue
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		   SET revoked = 1, revoked_at = ?, revoked_by_ip = ?, replaced_by_token_value = ?
		 WHERE token_value = ? AND revoked = 0
	`, toNanos(*revoked.RevokedAt), nullIfEmpty(revoked.RevokedByIP), replaced, revoked.TokenValue)
	if err != nil {
		return fmt.Errorf("session: revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session: revoke refresh token: %w", err)
	}
	if n != 1 {
		return ErrRevocationConflict
	}

	if successor != nil {
		if err := insertSQLite(ctx, tx, *successor); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time, ip string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		   SET revoked = 1, revoked_at = ?, revoked_by_ip = ?
		 WHERE user_id = ? AND revoked = 0
	`, toNanos(now), nullIfEmpty(ip), userID)
	if err != nil {
		return 0, fmt.Errorf("session: revoke all: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: revoke all: %w", err)
	}
	return int(n), nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
