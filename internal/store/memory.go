package store

import (
	"context"
	"sync"
	"time"

	"authcore/internal/account"
	"authcore/internal/token"
)

type Memory struct {
	mu        sync.RWMutex
	accounts  map[string]account.Account
	usernames map[string]string
	emails    map[string]string
	lockouts  map[string]account.LockoutState
	revoked   *token.MemoryBlacklist
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[string]account.Account),
		usernames: make(map[string]string),
		emails:    make(map[string]string),
		lockouts:  make(map[string]account.LockoutState),
		revoked:   token.NewMemoryBlacklist(),
	}
}

func (m *Memory) FindByLogin(_ context.Context, loginID string) (account.Account, error) {
	key := account.NormalizeLogin(loginID)

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[key]
	if !ok {
		id, ok = m.emails[key]
	}
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return m.accounts[id], nil
}

func (m *Memory) FindByUsername(_ context.Context, username string) (account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[account.NormalizeLogin(username)]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return m.accounts[id], nil
}

func (m *Memory) FindByID(_ context.Context, id string) (account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return acct, nil
}

func (m *Memory) UsernameTaken(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.usernames[account.NormalizeLogin(username)]
	return ok, nil
}

func (m *Memory) EmailTaken(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[account.NormalizeLogin(email)]
	return ok, nil
}

func (m *Memory) CreateAccount(_ context.Context, acct account.Account, maxAttempts int) error {
	username := account.NormalizeLogin(acct.Username)
	email := account.NormalizeLogin(acct.Email)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return account.ErrConflict
	}
	if _, ok := m.usernames[username]; ok {
		return account.ErrConflict
	}
	if _, ok := m.emails[email]; ok && email != "" {
		return account.ErrConflict
	}

	m.accounts[acct.ID] = acct
	m.usernames[username] = acct.ID
	if email != "" {
		m.emails[email] = acct.ID
	}
	m.lockouts[acct.ID] = account.NewLockoutState(acct.ID, maxAttempts)
	return nil
}

func (m *Memory) UpdateAccount(_ context.Context, acct account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.accounts[acct.ID]
	if !ok {
		return account.ErrNotFound
	}

	username := account.NormalizeLogin(acct.Username)
	email := account.NormalizeLogin(acct.Email)
	if owner, ok := m.usernames[username]; ok && owner != acct.ID {
		return account.ErrConflict
	}
	if owner, ok := m.emails[email]; ok && owner != acct.ID && email != "" {
		return account.ErrConflict
	}

	delete(m.usernames, account.NormalizeLogin(current.Username))
	delete(m.emails, account.NormalizeLogin(current.Email))
	m.usernames[username] = acct.ID
	if email != "" {
		m.emails[email] = acct.ID
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) GetLockoutState(_ context.Context, accountID string) (account.LockoutState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.lockouts[accountID]
	if !ok {
		return account.LockoutState{}, account.ErrNotFound
	}
	return copyState(state), nil
}

func (m *Memory) SaveLockoutState(_ context.Context, state account.LockoutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts[state.AccountID] = copyState(state)
	return nil
}

func (m *Memory) AddRevoked(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	return m.revoked.AddRevoked(ctx, jti, expiresAt)
}

func (m *Memory) PruneRevoked(ctx context.Context, before time.Time) (int64, error) {
	return m.revoked.PruneRevoked(ctx, before)
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func copyState(state account.LockoutState) account.LockoutState {
	if state.LastFailureAt != nil {
		at := *state.LastFailureAt
		state.LastFailureAt = &at
	}
	return state
}
