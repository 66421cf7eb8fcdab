package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"authcore/internal/account"
	"authcore/internal/lockout"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := NewSQLite(database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("AUTHCORE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AUTHCORE_TEST_DATABASE_URL not set")
	}
	p, err := OpenPostgres(context.Background(), Config{DatabaseURL: url, RunMigrations: true, PruneBatchSize: 2})
	require.NoError(t, err)
	_, err = p.db.Exec(`TRUNCATE token_blacklist, lockout_states, accounts`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, newTestPostgres(t)) })
}

func newAccount(t *testing.T, username, email string) account.Account {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	return account.Account{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: "hash",
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestFindByLoginIsCaseInsensitive(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newAccount(t, "Alice", "Alice@Example.com")
		require.NoError(t, s.CreateAccount(ctx, alice, 5))

		for _, login := range []string{"alice", "ALICE", " Alice ", "alice@example.com", "ALICE@EXAMPLE.COM"} {
			got, err := s.FindByLogin(ctx, login)
			require.NoError(t, err, login)
			require.Equal(t, alice.ID, got.ID)
			require.Equal(t, "Alice", got.Username)
			require.True(t, got.Active)
		}

		_, err := s.FindByLogin(ctx, "bob")
		require.ErrorIs(t, err, account.ErrNotFound)
		_, err = s.FindByLogin(ctx, "")
		require.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestFindByUsernameAndID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newAccount(t, "alice", "admin@example.com")
		require.NoError(t, s.CreateAccount(ctx, alice, 5))

		got, err := s.FindByUsername(ctx, "ALICE")
		require.NoError(t, err)
		require.Equal(t, alice.ID, got.ID)

		_, err = s.FindByUsername(ctx, "admin@example.com")
		require.ErrorIs(t, err, account.ErrNotFound, "email addresses are not usernames")

		got, err = s.FindByID(ctx, alice.ID)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Username)

		_, err = s.FindByID(ctx, "00000000-0000-7000-8000-000000000000")
		require.ErrorIs(t, err, account.ErrNotFound)
		_, err = s.FindByID(ctx, "")
		require.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestCreateAccountRejectsDuplicates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, newAccount(t, "alice", "alice@example.com"), 5))

		err := s.CreateAccount(ctx, newAccount(t, "ALICE", "other@example.com"), 5)
		require.ErrorIs(t, err, account.ErrConflict)
		err = s.CreateAccount(ctx, newAccount(t, "alice2", "Alice@Example.com"), 5)
		require.ErrorIs(t, err, account.ErrConflict)

		taken, err := s.UsernameTaken(ctx, "Alice")
		require.NoError(t, err)
		require.True(t, taken)
		taken, err = s.EmailTaken(ctx, "ALICE@example.com")
		require.NoError(t, err)
		require.True(t, taken)
		taken, err = s.UsernameTaken(ctx, "carol")
		require.NoError(t, err)
		require.False(t, taken)
	})
}

func TestCreateAccountSeedsLockoutState(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newAccount(t, "alice", "alice@example.com")
		require.NoError(t, s.CreateAccount(ctx, alice, 3))

		state, err := s.GetLockoutState(ctx, alice.ID)
		require.NoError(t, err)
		require.Equal(t, 0, state.FailedAttempts)
		require.Equal(t, 3, state.MaxAttempts)
		require.Nil(t, state.LastFailureAt)

		_, err = s.GetLockoutState(ctx, "missing")
		require.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestSaveLockoutStateRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newAccount(t, "alice", "alice@example.com")
		require.NoError(t, s.CreateAccount(ctx, alice, 5))

		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.SaveLockoutState(ctx, account.LockoutState{
			AccountID:      alice.ID,
			FailedAttempts: 4,
			MaxAttempts:    5,
			LastFailureAt:  &at,
		}))

		state, err := s.GetLockoutState(ctx, alice.ID)
		require.NoError(t, err)
		require.Equal(t, 4, state.FailedAttempts)
		require.NotNil(t, state.LastFailureAt)
		require.True(t, at.Equal(*state.LastFailureAt))

		require.NoError(t, s.SaveLockoutState(ctx, account.NewLockoutState(alice.ID, 5)))
		state, err = s.GetLockoutState(ctx, alice.ID)
		require.NoError(t, err)
		require.Equal(t, 0, state.FailedAttempts)
		require.Nil(t, state.LastFailureAt)
	})
}

func TestUpdateAccount(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newAccount(t, "alice", "alice@example.com")
		bob := newAccount(t, "bob", "bob@example.com")
		require.NoError(t, s.CreateAccount(ctx, alice, 5))
		require.NoError(t, s.CreateAccount(ctx, bob, 5))

		alice.Active = false
		alice.Staff = true
		alice.PasswordHash = "new-hash"
		require.NoError(t, s.UpdateAccount(ctx, alice))

		got, err := s.FindByLogin(ctx, "alice")
		require.NoError(t, err)
		require.False(t, got.Active)
		require.True(t, got.Staff)
		require.Equal(t, "new-hash", got.PasswordHash)

		bob.Username = "ALICE"
		require.ErrorIs(t, s.UpdateAccount(ctx, bob), account.ErrConflict)

		ghost := newAccount(t, "ghost", "ghost@example.com")
		require.ErrorIs(t, s.UpdateAccount(ctx, ghost), account.ErrNotFound)
	})
}

func TestBlacklistInsertOnceAndPrune(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		for i := 0; i < 3; i++ {
			added, err := s.AddRevoked(ctx, fmt.Sprintf("old-%d", i), now.Add(-time.Hour))
			require.NoError(t, err)
			require.True(t, added)
		}
		added, err := s.AddRevoked(ctx, "fresh", now.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, added)

		added, err = s.AddRevoked(ctx, "fresh", now.Add(time.Hour))
		require.NoError(t, err)
		require.False(t, added)

		pruned, err := s.PruneRevoked(ctx, now)
		require.NoError(t, err)
		require.Equal(t, int64(3), pruned)

		added, err = s.AddRevoked(ctx, "fresh", now.Add(time.Hour))
		require.NoError(t, err)
		require.False(t, added, "unexpired entries survive pruning")
	})
}

func TestConcurrentBlacklistInsertSucceedsOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				added, err := s.AddRevoked(context.Background(), "jti-race", time.Now().Add(time.Hour))
				if err == nil && added {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}

func TestTrackerOverStores(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := newAccount(t, "alice", "alice@example.com")
		require.NoError(t, s.CreateAccount(ctx, alice, 5))

		tracker := lockout.New(s)
		for i := 0; i < 5; i++ {
			_, err := tracker.RecordFailure(ctx, alice.ID)
			require.NoError(t, err)
		}

		_, blocked, err := tracker.IsBlocked(ctx, alice.ID)
		require.NoError(t, err)
		require.True(t, blocked)

		require.NoError(t, tracker.RecordSuccess(ctx, alice.ID))
		_, blocked, err = tracker.IsBlocked(ctx, alice.ID)
		require.NoError(t, err)
		require.False(t, blocked)
	})
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	s, err = Open(context.Background(), Config{Driver: "sqlite", SQLiteDSN: "file:open-test?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Config{Driver: "postgres"})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "mongo"})
	require.Error(t, err)
}
