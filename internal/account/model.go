package account

import (
	"errors"
	"strings"
	"time"
)

const DefaultMaxAttempts = 5

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("account already exists")
)

type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Active       bool
	Staff        bool
	Superuser    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanSignIn reports whether the account may be issued tokens at all.
func (a Account) CanSignIn() bool {
	return a.Active
}

// HasAdminAccess is true for active staff or superuser accounts.
func (a Account) HasAdminAccess() bool {
	return a.Active && (a.Staff || a.Superuser)
}

// LockoutState is the failed sign-in counter kept for one account.
type LockoutState struct {
	AccountID      string
	FailedAttempts int
	MaxAttempts    int
	LastFailureAt  *time.Time
}

func NewLockoutState(accountID string, maxAttempts int) LockoutState {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return LockoutState{AccountID: accountID, MaxAttempts: maxAttempts}
}

func (s LockoutState) Blocked() bool {
	limit := s.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	return s.FailedAttempts >= limit
}

// NormalizeLogin folds a username or email for case-insensitive lookups.
func NormalizeLogin(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
