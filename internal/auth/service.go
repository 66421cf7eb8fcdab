package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authcore/internal/account"
	"authcore/internal/lockout"
	"authcore/internal/observability"
	"authcore/internal/token"
)

// Accounts is the part of the credential store the service reads and writes
// directly. Lockout state goes through the tracker and revoked tokens through
// the issuer.
type Accounts interface {
	FindByLogin(ctx context.Context, loginID string) (account.Account, error)
	FindByUsername(ctx context.Context, username string) (account.Account, error)
	FindByID(ctx context.Context, id string) (account.Account, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	CreateAccount(ctx context.Context, acct account.Account, maxAttempts int) error
	UpdateAccount(ctx context.Context, acct account.Account) error
}

type Passwords interface {
	Hash(plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, encoded string) (bool, error)
}

type Service struct {
	accounts  Accounts
	tracker   *lockout.Tracker
	issuer    *token.Issuer
	passwords Passwords
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewService(accounts Accounts, tracker *lockout.Tracker, issuer *token.Issuer, passwords Passwords) *Service {
	return &Service{
		accounts:  accounts,
		tracker:   tracker,
		issuer:    issuer,
		passwords: passwords,
		logger:    observability.NewLogger(),
		now:       time.Now,
	}
}

func (s *Service) WithLogger(logger *observability.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithMetrics(metrics *observability.Metrics) *Service {
	s.metrics = metrics
	return s
}

func (s *Service) Issuer() *token.Issuer {
	return s.issuer
}

// SignIn resolves loginID as a username or email, then checks the active
// flag, the lockout state and the password, in that order. Unknown logins
// are rejected without touching any lockout counter.
func (s *Service) SignIn(ctx context.Context, loginID, password string) (token.Pair, error) {
	pair, err := s.signIn(ctx, loginID, password)
	s.metrics.SignIn(string(outcome(err)))
	return pair, err
}

func (s *Service) signIn(ctx context.Context, loginID, password string) (token.Pair, error) {
	loginID = strings.TrimSpace(loginID)
	if loginID == "" || password == "" {
		return token.Pair{}, ErrInvalidCredentials
	}

	acct, err := s.accounts.FindByLogin(ctx, loginID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return token.Pair{}, ErrInvalidCredentials
		}
		return token.Pair{}, transient("find account", err)
	}

	if !acct.CanSignIn() {
		return token.Pair{}, ErrAccountDisabled
	}

	// The attempt is counted before the password is checked so that parallel
	// guesses cannot outrun the limit.
	state, claimed, err := s.tracker.Claim(ctx, acct.ID)
	if err != nil {
		return token.Pair{}, transient("check lockout", err)
	}
	if !claimed {
		return token.Pair{}, &LockedError{Until: s.tracker.BlockedUntil(state)}
	}

	ok, err := s.passwords.Verify(ctx, password, acct.PasswordHash)
	if err != nil {
		if rerr := s.tracker.Release(context.WithoutCancel(ctx), acct.ID); rerr != nil {
			s.logger.Error("release_attempt_failed", map[string]any{"account_id": acct.ID, "error": rerr})
		}
		return token.Pair{}, transient("verify password", err)
	}

	if !ok {
		if state.Blocked() {
			s.metrics.Lockout()
			s.logger.Warn("account_locked", map[string]any{
				"account_id":      acct.ID,
				"failed_attempts": state.FailedAttempts,
				"until":           s.tracker.BlockedUntil(state).Format(time.RFC3339),
			})
		}
		return token.Pair{}, ErrInvalidCredentials
	}

	if err := s.tracker.RecordSuccess(ctx, acct.ID); err != nil {
		return token.Pair{}, transient("record success", err)
	}

	pair, err := s.issuer.Issue(subjectOf(acct))
	if err != nil {
		return token.Pair{}, transient("issue tokens", err)
	}
	return pair, nil
}

// SignOut revokes a refresh token. Signing out twice, or with an expired
// token, succeeds.
func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	err := s.issuer.Revoke(ctx, refreshToken)
	if err != nil && KindOf(err) == KindTransient {
		err = transient("revoke token", err)
	}
	s.metrics.Token("signout", string(outcome(err)))
	return err
}

// Refresh rotates a refresh token into a new pair. A token can be exchanged
// at most once. The new pair reflects the account as stored now, and an
// account that was disabled or removed cannot refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	pair, err := s.issuer.RotateFor(ctx, refreshToken, s.currentSubject)
	if err != nil && KindOf(err) == KindTransient {
		err = transient("rotate token", err)
	}
	if errors.Is(err, token.ErrTokenRevoked) {
		s.logger.Warn("refresh_token_reused", nil)
	}
	s.metrics.Token("refresh", string(outcome(err)))
	return pair, err
}

func (s *Service) currentSubject(ctx context.Context, claims *token.Claims) (token.Subject, error) {
	acct, err := s.accounts.FindByID(ctx, claims.UserID)
	if errors.Is(err, account.ErrNotFound) {
		return token.Subject{}, fmt.Errorf("%w: account no longer exists", token.ErrTokenInvalid)
	}
	if err != nil {
		return token.Subject{}, transient("find account", err)
	}
	if !acct.CanSignIn() {
		return token.Subject{}, ErrAccountDisabled
	}
	return subjectOf(acct), nil
}

// Register validates a sign-up request and creates an active, non-staff
// account together with its lockout state.
func (s *Service) Register(ctx context.Context, reg account.Registration) (account.Account, error) {
	cleaned, verr := reg.Validate()
	if verr != nil {
		return account.Account{}, verr
	}

	conflicts := &account.ValidationError{}
	taken, err := s.accounts.UsernameTaken(ctx, cleaned.Username)
	if err != nil {
		return account.Account{}, transient("check username", err)
	}
	if taken {
		conflicts.Add("username", "this username is already taken")
	}
	taken, err = s.accounts.EmailTaken(ctx, cleaned.Email)
	if err != nil {
		return account.Account{}, transient("check email", err)
	}
	if taken {
		conflicts.Add("email", "a user with this email already exists")
	}
	if !conflicts.Empty() {
		return account.Account{}, conflicts
	}

	acct, err := s.newAccount(cleaned.Username, cleaned.Email, cleaned.Password)
	if err != nil {
		return account.Account{}, err
	}
	if err := s.accounts.CreateAccount(ctx, acct, s.tracker.MaxAttempts()); err != nil {
		if errors.Is(err, account.ErrConflict) {
			return account.Account{}, err
		}
		return account.Account{}, transient("create account", err)
	}

	s.logger.Info("account_registered", map[string]any{"account_id": acct.ID})
	return acct, nil
}

// BootstrapSuperuser makes sure an active staff and superuser account with
// the given credentials exists. An existing account is promoted, re-enabled,
// gets the new password and has its lockout counter cleared.
func (s *Service) BootstrapSuperuser(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	existing, err := s.accounts.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, account.ErrNotFound):
		acct, err := s.newAccount(username, email, password)
		if err != nil {
			return err
		}
		acct.Staff = true
		acct.Superuser = true
		if err := s.accounts.CreateAccount(ctx, acct, s.tracker.MaxAttempts()); err != nil {
			return fmt.Errorf("create superuser: %w", err)
		}
		s.logger.Info("superuser_created", map[string]any{"account_id": acct.ID})
		return nil
	case err != nil:
		return fmt.Errorf("find superuser: %w", err)
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return err
	}
	existing.PasswordHash = hash
	existing.Active = true
	existing.Staff = true
	existing.Superuser = true
	if email != "" {
		existing.Email = email
	}
	existing.UpdatedAt = s.now().UTC()
	if err := s.accounts.UpdateAccount(ctx, existing); err != nil {
		return fmt.Errorf("update superuser: %w", err)
	}
	if err := s.tracker.Reset(ctx, existing.ID); err != nil {
		return fmt.Errorf("reset superuser lockout: %w", err)
	}

	s.logger.Info("superuser_updated", map[string]any{"account_id": existing.ID})
	return nil
}

func (s *Service) newAccount(username, email, password string) (account.Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return account.Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return account.Account{}, err
	}

	now := s.now().UTC()
	return account.Account{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func subjectOf(acct account.Account) token.Subject {
	return token.Subject{
		AccountID: acct.ID,
		Username:  acct.Username,
		Staff:     acct.HasAdminAccess(),
	}
}

func outcome(err error) Kind {
	if err == nil {
		return "success"
	}
	return KindOf(err)
}
