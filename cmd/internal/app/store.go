package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"authd/cmd/identity"
	"authd/cmd/internal/auth/session"
	"authd/cmd/internal/storage/sqlitedb"

	"github.com/jackc/pgx/v5/pgxpool"
)

// backend bundles the user and refresh-token stores of one persistence choice
// with its lifecycle hooks. The app owns the underlying pool or handle.
type backend struct {
	users  session.UserRepository
	tokens session.Store

	persistent bool
	ping       func(ctx context.Context) error
	close      func()
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func newBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b, err := postgresBackend(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store.enabled", "backend", StorePostgres, "schema", cfg.DBSchema)
		return b, migrate(ctx, cfg, b)

	case StoreSQLite:
		db, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b, err := sqliteBackend(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("store.enabled", "backend", StoreSQLite, "path", cfg.SQLitePath)
		return b, migrate(ctx, cfg, b)

	default:
		log.Info("store.enabled", "backend", StoreMemory)
		return &backend{
			users:  identity.NewMemoryStore(),
			tokens: session.NewMemoryStore(),
			ping:   func(context.Context) error { return nil },
			close:  func() {},
		}, nil
	}
}

func postgresBackend(pool *pgxpool.Pool, schema string) (*backend, error) {
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewPostgresStore(pool, schema)
	if err != nil {
		return nil, err
	}
	return &backend{
		users:      users,
		tokens:     tokens,
		persistent: true,
		ping:       func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) },
		close:      pool.Close,
	}, nil
}

func sqliteBackend(db *sql.DB) (*backend, error) {
	users, err := identity.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return &backend{
		users:      users,
		tokens:     tokens,
		persistent: true,
		ping: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		},
		close: func() { _ = db.Close() },
	}, nil
}

// migrate runs users before refresh_tokens so the foreign key resolves.
func migrate(ctx context.Context, cfg Config, b *backend) error {
	if !cfg.AutoMigrate {
		return nil
	}
	for _, m := range []any{b.users, b.tokens} {
		mg, ok := m.(migrator)
		if !ok {
			continue
		}
		if err := mg.Migrate(ctx); err != nil {
			b.close()
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
