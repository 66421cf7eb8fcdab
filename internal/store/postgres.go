package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authcore/internal/account"
	"authcore/internal/db"
)

const defaultPruneBatchSize = 500

type Postgres struct {
	db        *sql.DB
	batchSize int
}

// OpenPostgres connects through the pgx stdlib driver and optionally applies
// the embedded migrations.
func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("postgres store requires DATABASE_URL")
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		database.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		database.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		database.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return NewPostgres(database, cfg.PruneBatchSize), nil
}

func NewPostgres(database *sql.DB, batchSize int) *Postgres {
	if batchSize <= 0 {
		batchSize = defaultPruneBatchSize
	}
	return &Postgres{db: database, batchSize: batchSize}
}

func (p *Postgres) FindByLogin(ctx context.Context, loginID string) (account.Account, error) {
	key := account.NormalizeLogin(loginID)
	if key == "" {
		return account.Account{}, account.ErrNotFound
	}
	return p.findAccount(ctx, "login", `
		WHERE lower(username) = $1 OR (email <> '' AND lower(email) = $1)
		ORDER BY lower(username) = $1 DESC
		LIMIT 1
	`, key)
}

func (p *Postgres) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	key := account.NormalizeLogin(username)
	if key == "" {
		return account.Account{}, account.ErrNotFound
	}
	return p.findAccount(ctx, "username", `WHERE lower(username) = $1`, key)
}

func (p *Postgres) FindByID(ctx context.Context, id string) (account.Account, error) {
	if id == "" {
		return account.Account{}, account.ErrNotFound
	}
	return p.findAccount(ctx, "id", `WHERE id = $1`, id)
}

func (p *Postgres) findAccount(ctx context.Context, by, where string, arg any) (account.Account, error) {
	var acct account.Account
	err := p.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, is_active, is_staff, is_superuser, created_at, updated_at
		FROM accounts
	`+where, arg).Scan(
		&acct.ID,
		&acct.Username,
		&acct.Email,
		&acct.PasswordHash,
		&acct.Active,
		&acct.Staff,
		&acct.Superuser,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("query account by %s: %w", by, err)
	}

	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func (p *Postgres) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return p.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE lower(username) = $1)`, username)
}

func (p *Postgres) EmailTaken(ctx context.Context, email string) (bool, error) {
	return p.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE email <> '' AND lower(email) = $1)`, email)
}

func (p *Postgres) exists(ctx context.Context, query, value string) (bool, error) {
	var found bool
	if err := p.db.QueryRowContext(ctx, query, account.NormalizeLogin(value)).Scan(&found); err != nil {
		return false, fmt.Errorf("check account uniqueness: %w", err)
	}
	return found, nil
}

func (p *Postgres) CreateAccount(ctx context.Context, acct account.Account, maxAttempts int) error {
	state := account.NewLockoutState(acct.ID, maxAttempts)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, is_active, is_staff, is_superuser, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acct.ID, acct.Username, acct.Email, acct.PasswordHash, acct.Active, acct.Staff, acct.Superuser, acct.CreatedAt.UTC(), acct.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return account.ErrConflict
		}
		return fmt.Errorf("insert account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lockout_states (account_id, failed_attempts, max_attempts, last_failure_at, updated_at)
		VALUES ($1, 0, $2, NULL, $3)
	`, acct.ID, state.MaxAttempts, acct.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert lockout state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account tx: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateAccount(ctx context.Context, acct account.Account) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET username = $2, email = $3, password_hash = $4, is_active = $5, is_staff = $6, is_superuser = $7, updated_at = $8
		WHERE id = $1
	`, acct.ID, acct.Username, acct.Email, acct.PasswordHash, acct.Active, acct.Staff, acct.Superuser, acct.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return account.ErrConflict
		}
		return fmt.Errorf("update account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if affected == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (p *Postgres) GetLockoutState(ctx context.Context, accountID string) (account.LockoutState, error) {
	state, err := scanLockoutState(p.db.QueryRowContext(ctx, `
		SELECT account_id, failed_attempts, max_attempts, last_failure_at
		FROM lockout_states
		WHERE account_id = $1
	`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.LockoutState{}, account.ErrNotFound
		}
		return account.LockoutState{}, fmt.Errorf("query lockout state: %w", err)
	}
	return state, nil
}

func (p *Postgres) SaveLockoutState(ctx context.Context, state account.LockoutState) error {
	return saveLockoutState(ctx, p.db, state)
}

// UpdateLockoutState runs apply against the row locked with FOR UPDATE, so
// concurrent sign-ins from several replicas are serialized by the database.
func (p *Postgres) UpdateLockoutState(ctx context.Context, accountID string, defaultMax int, apply func(*account.LockoutState) bool) (account.LockoutState, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return account.LockoutState{}, fmt.Errorf("begin lockout tx: %w", err)
	}
	defer tx.Rollback()

	initial := account.NewLockoutState(accountID, defaultMax)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lockout_states (account_id, failed_attempts, max_attempts, updated_at)
		SELECT $1, 0, $2, NOW()
		WHERE EXISTS (SELECT 1 FROM accounts WHERE id = $1)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, initial.MaxAttempts); err != nil {
		return account.LockoutState{}, fmt.Errorf("ensure lockout row: %w", err)
	}

	state, err := scanLockoutState(tx.QueryRowContext(ctx, `
		SELECT account_id, failed_attempts, max_attempts, last_failure_at
		FROM lockout_states
		WHERE account_id = $1
		FOR UPDATE
	`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.LockoutState{}, account.ErrNotFound
		}
		return account.LockoutState{}, fmt.Errorf("lock lockout row: %w", err)
	}

	if apply(&state) {
		if err := saveLockoutState(ctx, tx, state); err != nil {
			return account.LockoutState{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return account.LockoutState{}, fmt.Errorf("commit lockout tx: %w", err)
	}
	return state, nil
}

func (p *Postgres) AddRevoked(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO token_blacklist (jti, expires_at, revoked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert blacklisted token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("blacklisted token rows affected: %w", err)
	}
	return affected == 1, nil
}

// PruneRevoked deletes expired blacklist rows in batches until none are left.
func (p *Postgres) PruneRevoked(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		res, err := p.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT jti
				FROM token_blacklist
				WHERE expires_at < $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
			DELETE FROM token_blacklist t
			USING stale
			WHERE t.jti = stale.jti
		`, before.UTC(), p.batchSize)
		if err != nil {
			return total, fmt.Errorf("delete expired blacklist rows: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("expired blacklist rows affected: %w", err)
		}
		total += affected
		if affected < int64(p.batchSize) {
			return total, nil
		}
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanLockoutState(row rowScanner) (account.LockoutState, error) {
	var state account.LockoutState
	var lastFailure sql.NullTime
	if err := row.Scan(&state.AccountID, &state.FailedAttempts, &state.MaxAttempts, &lastFailure); err != nil {
		return account.LockoutState{}, err
	}
	if lastFailure.Valid {
		value := lastFailure.Time.UTC()
		state.LastFailureAt = &value
	}
	return state, nil
}

func saveLockoutState(ctx context.Context, exec execer, state account.LockoutState) error {
	var lastFailure any
	if state.LastFailureAt != nil {
		lastFailure = state.LastFailureAt.UTC()
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO lockout_states (account_id, failed_attempts, max_attempts, last_failure_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			max_attempts = EXCLUDED.max_attempts,
			last_failure_at = EXCLUDED.last_failure_at,
			updated_at = EXCLUDED.updated_at
	`, state.AccountID, state.FailedAttempts, state.MaxAttempts, lastFailure)
	if err != nil {
		return fmt.Errorf("upsert lockout state: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
