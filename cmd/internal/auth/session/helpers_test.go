package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"authd/cmd/identity"
	"authd/cmd/internal/storage/sqlitedb"
	"authd/cmd/security/password"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc     *Service
	users   UserRepository
	tokens  Store
	clock   *fakeClock
	metrics *Metrics
	cfg     Config
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	return cfg
}

func testHasher() *password.Hasher {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	cfg.Policy.RejectVeryWeak = true
	return password.New(cfg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, users UserRepository, tokens Store) *fixture {
	t.Helper()

	cfg := testConfig(t)
	signer, err := NewSigner(cfg)
	require.NoError(t, err)
	return newFixtureWith(t, cfg, users, tokens, signer)
}

func newFixtureWith(t *testing.T, cfg Config, users UserRepository, tokens Store, signer TokenSigner) *fixture {
	t.Helper()

	clock := newFakeClock()
	m := NewMetrics(prometheus.NewRegistry())
	svc, err := NewService(cfg, users, tokens, signer, testHasher(),
		WithLogger(quietLogger()),
		WithClock(clock.Now),
		WithMetrics(m),
	)
	require.NoError(t, err)
	return &fixture{svc: svc, users: users, tokens: tokens, clock: clock, metrics: m, cfg: cfg}
}

func newMemoryFixture(t *testing.T) *fixture {
	return newFixture(t, identity.NewMemoryStore(), NewMemoryStore())
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	users, err := identity.NewSQLiteStore(db)
	require.NoError(t, err)
	require.NoError(t, users.Migrate(ctx))

	tokens, err := NewSQLiteStore(db)
	require.NoError(t, err)
	require.NoError(t, tokens.Migrate(ctx))

	return newFixture(t, users, tokens)
}

// forEachBackend runs fn against every store implementation that needs no server.
func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteFixture(t)) })
}

const (
	testEmail    = "Alice@Example.com"
	testPassword = "correct horse battery staple"
	testIP       = "203.0.113.7"
)

func mustRegister(t *testing.T, f *fixture) Issued {
	t.Helper()
	out, err := f.svc.Register(context.Background(), testEmail, testPassword, testIP)
	require.NoError(t, err)
	return out
}

func mustFind(t *testing.T, f *fixture, value string) RefreshToken {
	t.Helper()
	rt, err := f.tokens.FindByValue(context.Background(), value)
	require.NoError(t, err)
	return rt
}
