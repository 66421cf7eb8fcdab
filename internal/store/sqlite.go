package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"authcore/internal/account"
)

type accountRecord struct {
	ID           string  `gorm:"primaryKey;size:36"`
	Username     string  `gorm:"size:20;not null"`
	UsernameKey  string  `gorm:"size:20;not null;uniqueIndex"`
	Email        string  `gorm:"size:40"`
	EmailKey     *string `gorm:"size:40;uniqueIndex"`
	PasswordHash string  `gorm:"not null"`
	Active       bool    `gorm:"not null"`
	Staff        bool    `gorm:"not null"`
	Superuser    bool    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (accountRecord) TableName() string { return "accounts" }

type lockoutRecord struct {
	AccountID      string `gorm:"primaryKey;size:36"`
	FailedAttempts int    `gorm:"not null"`
	MaxAttempts    int    `gorm:"not null;default:5"`
	LastFailureAt  *time.Time
	UpdatedAt      time.Time
}

func (lockoutRecord) TableName() string { return "lockout_states" }

type blacklistRecord struct {
	JTI       string    `gorm:"primaryKey;column:jti;size:64"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt time.Time `gorm:"not null"`
}

func (blacklistRecord) TableName() string { return "token_blacklist" }

// SQLite is the GORM-backed store used for single-node deployments and tests.
type SQLite struct {
	db *gorm.DB
}

func OpenSQLite(cfg Config) (*SQLite, error) {
	dsn := strings.TrimSpace(cfg.SQLiteDSN)
	if dsn == "" {
		dsn = "file:authcore.db?_busy_timeout=5000"
	}

	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection keeps writes ordered.
	sqlDB.SetMaxOpenConns(1)

	return NewSQLite(database)
}

// NewSQLite migrates the schema on db and wraps it.
func NewSQLite(database *gorm.DB) (*SQLite, error) {
	if database == nil {
		return nil, errors.New("sqlite store requires database handle")
	}
	if err := database.AutoMigrate(&accountRecord{}, &lockoutRecord{}, &blacklistRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &SQLite{db: database}, nil
}

func (s *SQLite) FindByLogin(ctx context.Context, loginID string) (account.Account, error) {
	key := account.NormalizeLogin(loginID)
	if key == "" {
		return account.Account{}, account.ErrNotFound
	}

	var record accountRecord
	err := s.db.WithContext(ctx).Where("username_key = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).Where("email_key = ?", key).First(&record).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("query account by login: %w", err)
	}
	return record.toAccount(), nil
}

func (s *SQLite) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	return s.findAccount(ctx, "username", "username_key = ?", account.NormalizeLogin(username))
}

func (s *SQLite) FindByID(ctx context.Context, id string) (account.Account, error) {
	return s.findAccount(ctx, "id", "id = ?", id)
}

func (s *SQLite) findAccount(ctx context.Context, by, query, value string) (account.Account, error) {
	if value == "" {
		return account.Account{}, account.ErrNotFound
	}
	var record accountRecord
	if err := s.db.WithContext(ctx).Where(query, value).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("query account by %s: %w", by, err)
	}
	return record.toAccount(), nil
}

func (s *SQLite) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "username_key = ?", account.NormalizeLogin(username))
}

func (s *SQLite) EmailTaken(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "email_key = ?", account.NormalizeLogin(email))
}

func (s *SQLite) exists(ctx context.Context, query, value string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&accountRecord{}).Where(query, value).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check account uniqueness: %w", err)
	}
	return count > 0, nil
}

func (s *SQLite) CreateAccount(ctx context.Context, acct account.Account, maxAttempts int) error {
	state := account.NewLockoutState(acct.ID, maxAttempts)
	record := newAccountRecord(acct)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Create(&lockoutRecord{
			AccountID:   acct.ID,
			MaxAttempts: state.MaxAttempts,
			UpdatedAt:   acct.CreatedAt.UTC(),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return account.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateAccount(ctx context.Context, acct account.Account) error {
	record := newAccountRecord(acct)
	res := s.db.WithContext(ctx).Model(&accountRecord{ID: acct.ID}).Select("*").Omit("created_at").Updates(&record)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return account.ErrConflict
	}
	if res.Error != nil {
		return fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (s *SQLite) GetLockoutState(ctx context.Context, accountID string) (account.LockoutState, error) {
	var record lockoutRecord
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account.LockoutState{}, account.ErrNotFound
		}
		return account.LockoutState{}, fmt.Errorf("query lockout state: %w", err)
	}
	return record.toState(), nil
}

func (s *SQLite) SaveLockoutState(ctx context.Context, state account.LockoutState) error {
	record := lockoutRecord{
		AccountID:      state.AccountID,
		FailedAttempts: state.FailedAttempts,
		MaxAttempts:    state.MaxAttempts,
		LastFailureAt:  utcPtr(state.LastFailureAt),
		UpdatedAt:      time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"failed_attempts", "max_attempts", "last_failure_at", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("upsert lockout state: %w", err)
	}
	return nil
}

func (s *SQLite) AddRevoked(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&blacklistRecord{
		JTI:       jti,
		ExpiresAt: expiresAt.UTC(),
		RevokedAt: time.Now().UTC(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("insert blacklisted token: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLite) PruneRevoked(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", before.UTC()).Delete(&blacklistRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired blacklist rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newAccountRecord(acct account.Account) accountRecord {
	record := accountRecord{
		ID:           acct.ID,
		Username:     acct.Username,
		UsernameKey:  account.NormalizeLogin(acct.Username),
		Email:        acct.Email,
		PasswordHash: acct.PasswordHash,
		Active:       acct.Active,
		Staff:        acct.Staff,
		Superuser:    acct.Superuser,
		CreatedAt:    acct.CreatedAt.UTC(),
		UpdatedAt:    acct.UpdatedAt.UTC(),
	}
	if key := account.NormalizeLogin(acct.Email); key != "" {
		record.EmailKey = &key
	}
	return record
}

func (r accountRecord) toAccount() account.Account {
	return account.Account{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Active:       r.Active,
		Staff:        r.Staff,
		Superuser:    r.Superuser,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (r lockoutRecord) toState() account.LockoutState {
	return account.LockoutState{
		AccountID:      r.AccountID,
		FailedAttempts: r.FailedAttempts,
		MaxAttempts:    r.MaxAttempts,
		LastFailureAt:  utcPtr(r.LastFailureAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
