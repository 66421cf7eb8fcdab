package lockout

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"authcore/internal/account"
)

const DefaultCooldown = 24 * time.Hour

type Store interface {
	GetLockoutState(ctx context.Context, accountID string) (account.LockoutState, error)
	SaveLockoutState(ctx context.Context, state account.LockoutState) error
}

// Updater is implemented by stores that can apply a change to one lockout row
// inside a transaction, so replicas sharing the store do not lose updates.
// apply returns false when it left the state untouched.
type Updater interface {
	UpdateLockoutState(ctx context.Context, accountID string, defaultMax int, apply func(*account.LockoutState) bool) (account.LockoutState, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Tracker)

func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cooldown = d
		}
	}
}

func WithClock(c Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// Tracker owns every read-modify-write of LockoutState. Calls for the same
// account are serialized; calls for different accounts only contend when
// their ids hash to the same stripe.
type Tracker struct {
	store       Store
	maxAttempts int
	cooldown    time.Duration
	clock       Clock
	stripes     [64]sync.Mutex
}

func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:       store,
		maxAttempts: account.DefaultMaxAttempts,
		cooldown:    DefaultCooldown,
		clock:       systemClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) MaxAttempts() int {
	return t.maxAttempts
}

// IsBlocked resets stale failures first, then reports whether the account
// has reached its attempt limit.
func (t *Tracker) IsBlocked(ctx context.Context, accountID string) (account.LockoutState, bool, error) {
	state, err := t.update(ctx, accountID, func(s *account.LockoutState, now time.Time) bool {
		return t.expire(s, now)
	})
	if err != nil {
		return account.LockoutState{}, false, err
	}
	return state, state.Blocked(), nil
}

// RecordFailure counts one failed attempt unless the account is already
// blocked, in which case the state is left as it is.
func (t *Tracker) RecordFailure(ctx context.Context, accountID string) (account.LockoutState, error) {
	state, _, err := t.countFailure(ctx, accountID)
	return state, err
}

// Claim reserves one attempt before a password is checked. The reserved
// attempt already counts as a failure, so concurrent guesses cannot get past
// the limit; RecordSuccess clears it and Release hands it back. ok is false
// when the account is blocked, and state is then the blocking state.
func (t *Tracker) Claim(ctx context.Context, accountID string) (state account.LockoutState, ok bool, err error) {
	return t.countFailure(ctx, accountID)
}

// Release returns an attempt taken by Claim that was never judged, for
// example because the password check was canceled.
func (t *Tracker) Release(ctx context.Context, accountID string) error {
	_, err := t.update(ctx, accountID, func(s *account.LockoutState, _ time.Time) bool {
		if s.FailedAttempts == 0 {
			return false
		}
		s.FailedAttempts--
		if s.FailedAttempts == 0 {
			s.LastFailureAt = nil
		}
		return true
	})
	return err
}

func (t *Tracker) countFailure(ctx context.Context, accountID string) (account.LockoutState, bool, error) {
	counted := false
	state, err := t.update(ctx, accountID, func(s *account.LockoutState, now time.Time) bool {
		counted = false
		changed := t.expire(s, now)
		if s.Blocked() {
			return changed
		}
		s.FailedAttempts++
		at := now
		s.LastFailureAt = &at
		counted = true
		return true
	})
	if err != nil {
		return account.LockoutState{}, false, err
	}
	return state, counted, nil
}

func (t *Tracker) RecordSuccess(ctx context.Context, accountID string) error {
	_, err := t.update(ctx, accountID, func(s *account.LockoutState, _ time.Time) bool {
		if s.FailedAttempts == 0 && s.LastFailureAt == nil {
			return false
		}
		s.FailedAttempts = 0
		s.LastFailureAt = nil
		return true
	})
	return err
}

// Reset clears the counter outside of a sign-in, for example when an
// administrator re-enables an account.
func (t *Tracker) Reset(ctx context.Context, accountID string) error {
	return t.RecordSuccess(ctx, accountID)
}

// BlockedUntil is the moment the cooldown lifts a block on state.
func (t *Tracker) BlockedUntil(state account.LockoutState) time.Time {
	if state.LastFailureAt == nil {
		return t.clock.Now().UTC()
	}
	return state.LastFailureAt.Add(t.cooldown)
}

func (t *Tracker) expire(s *account.LockoutState, now time.Time) bool {
	if s.LastFailureAt == nil || now.Sub(*s.LastFailureAt) <= t.cooldown {
		return false
	}
	s.FailedAttempts = 0
	s.LastFailureAt = nil
	return true
}

func (t *Tracker) update(ctx context.Context, accountID string, apply func(*account.LockoutState, time.Time) bool) (account.LockoutState, error) {
	unlock := t.lock(accountID)
	defer unlock()

	now := t.clock.Now().UTC()

	if u, ok := t.store.(Updater); ok {
		state, err := u.UpdateLockoutState(ctx, accountID, t.maxAttempts, func(s *account.LockoutState) bool {
			return apply(s, now)
		})
		if err != nil {
			return account.LockoutState{}, fmt.Errorf("update lockout state: %w", err)
		}
		return state, nil
	}

	state, err := t.store.GetLockoutState(ctx, accountID)
	if err != nil {
		if !errors.Is(err, account.ErrNotFound) {
			return account.LockoutState{}, fmt.Errorf("load lockout state: %w", err)
		}
		state = account.NewLockoutState(accountID, t.maxAttempts)
	}
	if state.MaxAttempts <= 0 {
		state.MaxAttempts = t.maxAttempts
	}

	if !apply(&state, now) {
		return state, nil
	}
	if err := t.store.SaveLockoutState(ctx, state); err != nil {
		return account.LockoutState{}, fmt.Errorf("save lockout state: %w", err)
	}
	return state, nil
}

func (t *Tracker) lock(accountID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	mu := &t.stripes[h.Sum32()%uint32(len(t.stripes))]
	mu.Lock()
	return mu.Unlock
}
