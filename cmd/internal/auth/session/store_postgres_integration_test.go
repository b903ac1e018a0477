package session

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"authd/cmd/identity"
	"authd/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when AUTHD_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.
// Each test gets its own schema, dropped on cleanup.

func TestPostgresSession_RotateRefresh_Succeeds(t *testing.T) {
	t.Parallel()

	f := mustPostgresFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, testEmail, testPassword, testIP)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	f.clock.Advance(2 * time.Second)
	second, err := f.svc.Refresh(ctx, first.RefreshToken, testIP)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	old := mustFind(t, f, first.RefreshToken)
	if !old.Revoked || old.RevokedAt == nil {
		t.Fatalf("expected presented token revoked, got %+v", old)
	}
	if old.ReplacedByTokenValue == nil || *old.ReplacedByTokenValue != second.RefreshToken {
		t.Fatalf("expected replaced_by_token_value=%q, got %v", second.RefreshToken, old.ReplacedByTokenValue)
	}

	next := mustFind(t, f, second.RefreshToken)
	if next.Revoked {
		t.Fatalf("expected successor active")
	}
	if got := next.ExpiresAt.Sub(next.IssuedAt); got != f.cfg.RefreshTokenTTL {
		t.Fatalf("expected ttl %v, got %v", f.cfg.RefreshTokenTTL, got)
	}

	if _, err := f.svc.Refresh(ctx, first.RefreshToken, testIP); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken on replay, got %v", err)
	}
}

func TestPostgresSession_ConcurrentRefresh_SingleWinner(t *testing.T) {
	t.Parallel()

	f := mustPostgresFixture(t)
	ctx := context.Background()

	out, err := f.svc.Register(ctx, testEmail, testPassword, testIP)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	const n = 8
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Refresh(ctx, out.RefreshToken, testIP)
		}()
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrInvalidToken):
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	pg := f.tokens.(*PostgresStore)
	var count int
	if err := pg.pool.QueryRow(ctx, `SELECT count(*) FROM `+pg.table()+` WHERE user_id = $1`, out.UserID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows (original + one successor), got %d", count)
	}
}

func TestPostgresSession_Logout_Idempotent(t *testing.T) {
	t.Parallel()

	f := mustPostgresFixture(t)
	ctx := context.Background()

	out, err := f.svc.Register(ctx, testEmail, testPassword, testIP)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	for range 2 {
		if err := f.svc.Logout(ctx, out.RefreshToken, testIP); err != nil {
			t.Fatalf("Logout: %v", err)
		}
	}
	rt := mustFind(t, f, out.RefreshToken)
	if !rt.Revoked || rt.ReplacedByTokenValue != nil {
		t.Fatalf("expected logout revocation without successor, got %+v", rt)
	}
}

func TestPostgresSession_EnrollIsAllOrNothing(t *testing.T) {
	t.Parallel()

	f := mustPostgresFixture(t)
	ctx := context.Background()
	pg := f.tokens.(*PostgresStore)

	taken, err := f.svc.Register(ctx, testEmail, testPassword, testIP)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	u := newEnrollee(t, "bob@example.com", now)
	clash := newToken(t, u.ID, now)
	clash.TokenValue = taken.RefreshToken
	if err := pg.Enroll(ctx, u, clash); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if _, err := f.users.FindByEmail(ctx, u.Email); !identity.IsNotFound(err) {
		t.Fatalf("expected user rolled back, got %v", err)
	}

	if err := pg.Enroll(ctx, u, newToken(t, u.ID, now)); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := f.users.Delete(ctx, u.ID); err == nil {
		t.Fatalf("expected foreign key to keep a user with tokens")
	}
}

func mustPostgresFixture(t *testing.T) *fixture {
	t.Helper()

	dbURL := os.Getenv("AUTHD_DATABASE_URL")
	if dbURL == "" {
		t.Skip("AUTHD_DATABASE_URL is not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	pool := mustPGXPool(ctx, t, dbURL)
	t.Cleanup(pool.Close)

	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	schema := "authd_test_" + strings.ToLower(id)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	if err != nil {
		t.Fatalf("identity.NewPostgresStore: %v", err)
	}
	if err := users.Migrate(ctx); err != nil {
		t.Fatalf("identity migrate: %v", err)
	}
	tokens, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if err := tokens.Migrate(ctx); err != nil {
		t.Fatalf("session migrate: %v", err)
	}

	return newFixture(t, users, tokens)
}

func mustPGXPool(ctx context.Context, t *testing.T, dbURL string) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (AUTHD_DATABASE_URL set): %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
