package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authd/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists refresh tokens in PostgreSQL.
//
// The schema must match the identity store's so the user_id foreign key resolves.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore returns a store writing to schema.refresh_tokens.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	if schema == "" {
		schema = "authd"
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "refresh_tokens"}.Sanitize()
}

// Migrate creates the refresh_tokens table. Run identity's Migrate first.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	users := pgx.Identifier{s.schema, "users"}.Sanitize()
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table()+` (
			id                      text        PRIMARY KEY,
			user_id                 text        NOT NULL REFERENCES `+users+` (id) ON DELETE RESTRICT,
			token_value             text        NOT NULL,
			issued_at               timestamptz NOT NULL,
			expires_at              timestamptz NOT NULL,
			revoked                 boolean     NOT NULL DEFAULT false,
			revoked_at              timestamptz NULL,
			revoked_by_ip           text        NULL,
			replaced_by_token_value text        NULL,
			created_by_ip           text        NULL,
			CONSTRAINT uq_refresh_tokens_token_value UNIQUE (token_value),
			CONSTRAINT ck_refresh_tokens_expiry CHECK (expires_at > issued_at),
			CONSTRAINT ck_refresh_tokens_revoked_at CHECK (revoked = (revoked_at IS NOT NULL))
		);
		CREATE INDEX IF NOT EXISTS ix_refresh_tokens_user_id ON `+s.table()+` (user_id);
	`)
	return err
}

const pgTokenColumns = `id, user_id, token_value, issued_at, expires_at, revoked, revoked_at,
	revoked_by_ip, replaced_by_token_value, created_by_ip`

func (s *PostgresStore) FindByValue(ctx context.Context, value string) (RefreshToken, error) {
	var (
		t                 RefreshToken
		revokedByIP, byIP *string
		revokedAt         *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgTokenColumns+` FROM `+s.table()+` WHERE token_value = $1`, value,
	).Scan(
		&t.ID, &t.UserID, &t.TokenValue, &t.IssuedAt, &t.ExpiresAt, &t.Revoked, &revokedAt,
		&revokedByIP, &t.ReplacedByTokenValue, &byIP,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrTokenNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("session: find refresh token: %w", err)
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if revokedAt != nil {
		at := revokedAt.UTC()
		t.RevokedAt = &at
	}
	t.RevokedByIP = deref(revokedByIP)
	t.CreatedByIP = deref(byIP)
	return t, nil
}

func (s *PostgresStore) Insert(ctx context.Context, t RefreshToken) error {
	if err := checkInsert(t); err != nil {
		return err
	}
	return insertPG(ctx, s.pool, s.table(), t)
}

// Enroll inserts u into the users table of the same schema and first into
// refresh_tokens in one transaction.
func (s *PostgresStore) Enroll(ctx context.Context, u identity.User, first RefreshToken) error {
	if err := checkInsert(first); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := identity.InsertPostgres(ctx, tx, s.schema, u); err != nil {
		return err
	}
	if err := insertPG(ctx, tx, s.table(), first); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

func insertPG(ctx context.Context, db identity.PGExecer, table string, t RefreshToken) error {
	_, err := db.Exec(ctx, `
		INSERT INTO `+table+` (id, user_id, token_value, issued_at, expires_at, created_by_ip)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.TokenValue, t.IssuedAt, t.ExpiresAt, nullIfEmpty(t.CreatedByIP))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrDuplicateToken
		}
		return fmt.Errorf("session: insert refresh token: %w", err)
	}
	return nil
}

// ConditionedUpdate revokes and inserts the successor in one transaction.
// The WHERE revoked = false predicate decides concurrent rotations: Postgres
// re-evaluates it after a competing writer commits, so the loser sees 0 rows.
func (s *PostgresStore) ConditionedUpdate(ctx context.Context, revoked RefreshToken, successor *RefreshToken) error {
	if err := checkConditionedUpdate(revoked, successor); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE `+s.table()+`
		   SET revoked = true, revoked_at = $2, revoked_by_ip = $3, replaced_by_token_value = $4
		 WHERE token_value = $1 AND revoked = false
	`, revoked.TokenValue, *revoked.RevokedAt, nullIfEmpty(revoked.RevokedByIP), revoked.ReplacedByTokenValue)
	if err != nil {
		return fmt.Errorf("session: revoke refresh token: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return ErrRevocationConflict
	}

	if successor != nil {
		if err := insertPG(ctx, tx, s.table(), *successor); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time, ip string) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		   SET revoked = true, revoked_at = $2, revoked_by_ip = $3
		 WHERE user_id = $1 AND revoked = false
	`, userID, now, nullIfEmpty(ip))
	if err != nil {
		return 0, fmt.Errorf("session: revoke all: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
