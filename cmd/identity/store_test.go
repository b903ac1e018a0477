package identity

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authd/cmd/identity/ids"
	"authd/cmd/internal/storage/sqlitedb"

	"github.com/stretchr/testify/require"
)

type userStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	Insert(ctx context.Context, u User) error
	Update(ctx context.Context, u User) error
	Delete(ctx context.Context, id string) error
}

func newTestUser(t *testing.T, email string) User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id, err := ids.NewULID(now)
	require.NoError(t, err)
	return User{
		ID:           id,
		Email:        email,
		EmailNorm:    NormalizeEmail(email),
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
		Role:         RoleUser,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newSQLiteUserStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := NewSQLiteStore(db)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func forEachStore(t *testing.T, fn func(t *testing.T, st userStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteUserStore(t)) })
}

func TestUserStore_InsertAndFind(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		ctx := context.Background()
		u := newTestUser(t, "Alice@Example.com")
		require.NoError(t, st.Insert(ctx, u))

		got, err := st.FindByEmail(ctx, "  alice@EXAMPLE.com ")
		require.NoError(t, err)
		require.Equal(t, u, got)

		got, err = st.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, u.EmailNorm, got.EmailNorm)
		require.True(t, got.Active)
	})
}

func TestUserStore_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		ctx := context.Background()

		_, err := st.FindByEmail(ctx, "nobody@example.com")
		require.True(t, IsNotFound(err), "got %v", err)

		_, err = st.FindByID(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
		require.True(t, IsNotFound(err), "got %v", err)

		err = st.Update(ctx, newTestUser(t, "ghost@example.com"))
		require.True(t, IsNotFound(err), "got %v", err)
	})
}

func TestUserStore_DuplicateEmailAnyCase(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		ctx := context.Background()
		require.NoError(t, st.Insert(ctx, newTestUser(t, "a@x.com")))

		err := st.Insert(ctx, newTestUser(t, "A@X.COM"))
		require.True(t, IsConflict(err), "got %v", err)

		var ce ConflictError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, "email", ce.Field)
	})
}

func TestUserStore_ConcurrentRegistrationSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		ctx := context.Background()

		const n = 8
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		users := make([]User, n)
		for i := range users {
			users[i] = newTestUser(t, "race@example.com")
		}

		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(u User) {
				defer wg.Done()
				switch err := st.Insert(ctx, u); {
				case err == nil:
					wins.Add(1)
				case IsConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(users[i])
		}
		wg.Wait()

		require.EqualValues(t, 1, wins.Load())
		require.EqualValues(t, n-1, conflicts.Load())
	})
}

func TestUserStore_Update(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		ctx := context.Background()
		a := newTestUser(t, "a@x.com")
		b := newTestUser(t, "b@x.com")
		require.NoError(t, st.Insert(ctx, a))
		require.NoError(t, st.Insert(ctx, b))

		a.Active = false
		a.Role = RoleAdmin
		a.UpdatedAt = a.UpdatedAt.Add(time.Second)
		require.NoError(t, st.Update(ctx, a))

		got, err := st.FindByID(ctx, a.ID)
		require.NoError(t, err)
		require.False(t, got.Active)
		require.Equal(t, RoleAdmin, got.Role)

		b.Email = "A@x.com"
		b.EmailNorm = NormalizeEmail(b.Email)
		require.True(t, IsConflict(st.Update(ctx, b)))
	})
}

func TestUserStore_RejectsInvalidUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		u := newTestUser(t, "a@x.com")
		u.EmailNorm = "A@X.COM"
		require.ErrorIs(t, st.Insert(context.Background(), u), ErrInvalidInput)
	})
}

func TestUserStore_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st userStore) {
		ctx := context.Background()
		u := newTestUser(t, "gone@example.com")
		require.NoError(t, st.Insert(ctx, u))

		require.NoError(t, st.Delete(ctx, u.ID))
		_, err := st.FindByEmail(ctx, u.Email)
		require.True(t, IsNotFound(err))
		require.True(t, IsNotFound(st.Delete(ctx, u.ID)))

		// The email is free again.
		require.NoError(t, st.Insert(ctx, newTestUser(t, "GONE@example.com")))
	})
}
