package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"authcore/internal/account"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store persists accounts, their lockout counters and revoked refresh token
// ids. Lookups by username or email are case-insensitive.
type Store interface {
	FindByLogin(ctx context.Context, loginID string) (account.Account, error)
	FindByUsername(ctx context.Context, username string) (account.Account, error)
	FindByID(ctx context.Context, id string) (account.Account, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	CreateAccount(ctx context.Context, acct account.Account, maxAttempts int) error
	UpdateAccount(ctx context.Context, acct account.Account) error

	GetLockoutState(ctx context.Context, accountID string) (account.LockoutState, error)
	SaveLockoutState(ctx context.Context, state account.LockoutState) error

	AddRevoked(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
	PruneRevoked(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Driver          string
	DatabaseURL     string
	SQLiteDSN       string
	RunMigrations   bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	PruneBatchSize  int
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case DriverSQLite:
		lite, err := OpenSQLite(cfg)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
