package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements user persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Schema identifiers are quoted via pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "authd").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "authd"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return st, nil
}

// Schema returns the schema the store writes to.
func (s *PostgresStore) Schema() string { return s.schema }

// Migrate creates the schema and users table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()+`;
		CREATE TABLE IF NOT EXISTS `+users+` (
			id            text        PRIMARY KEY,
			email         text        NOT NULL,
			email_norm    text        NOT NULL,
			password_hash text        NOT NULL,
			role          text        NOT NULL,
			active        boolean     NOT NULL DEFAULT true,
			created_at    timestamptz NOT NULL,
			updated_at    timestamptz NOT NULL,
			CONSTRAINT uq_users_email_norm UNIQUE (email_norm)
		);
	`)
	return err
}

const pgUserColumns = `id, email, email_norm, password_hash, role, active, created_at, updated_at`

// FindByEmail looks a user up by case-insensitive email.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, "identity.FindByEmail",
		`SELECT `+pgUserColumns+` FROM `+pgIdent(s.schema, "users")+` WHERE email_norm = $1`,
		NormalizeEmail(email))
}

// FindByID looks a user up by ID.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (User, error) {
	return s.findOne(ctx, "identity.FindByID",
		`SELECT `+pgUserColumns+` FROM `+pgIdent(s.schema, "users")+` WHERE id = $1`,
		id)
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, arg any) (User, error) {
	var (
		u    User
		role string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.EmailNorm, &u.PasswordHash, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.Role = Role(role)
	return u, nil
}

// Insert stores a new user; the unique constraint on email_norm decides races.
func (s *PostgresStore) Insert(ctx context.Context, u User) error {
	return InsertPostgres(ctx, s.pool, s.schema, u)
}

// PGExecer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PGExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertPostgres inserts u into schema.users through q. Pass a pgx.Tx to make
// the insert part of a larger transaction.
func InsertPostgres(ctx context.Context, q PGExecer, schema string, u User) error {
	const op = "identity.Insert"
	if err := u.validate(op); err != nil {
		return err
	}

	_, err := q.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "users")+` (`+pgUserColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.EmailNorm, u.PasswordHash, string(u.Role), u.Active, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Update replaces the mutable fields of an existing user.
func (s *PostgresStore) Update(ctx context.Context, u User) error {
	const op = "identity.Update"
	if err := u.validate(op); err != nil {
		return err
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "users")+`
		    SET email = $2, email_norm = $3, password_hash = $4, role = $5, active = $6, updated_at = $7
		  WHERE id = $1`,
		u.ID, u.Email, u.EmailNorm, u.PasswordHash, string(u.Role), u.Active, u.UpdatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// Delete removes a user that owns no refresh tokens; the foreign key
// rejects the rest.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const op = "identity.Delete"
	ct, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "users")+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// ---- helpers ----

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_email_norm", strings.Contains(c, "email"):
		return "email", true
	case strings.HasSuffix(c, "_pkey"):
		return "id", true
	default:
		return "unknown", true
	}
}
