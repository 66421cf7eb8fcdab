package auth

import (
	"errors"
	"fmt"
	"time"

	"authcore/internal/account"
	"authcore/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrTooManyAttempts    = errors.New("too many attempts")
)

// LockedError is returned by SignIn while an account is blocked. Until is the
// moment the cooldown ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "too many attempts: locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// TransientError wraps a storage or infrastructure failure. The caller may
// retry the same request later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Retryable() bool { return true }

func transient(op string, err error) error {
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

type Kind string

const (
	KindNone               Kind = ""
	KindInvalidCredentials Kind = "invalid_credentials"
	KindAccountDisabled    Kind = "account_disabled"
	KindTooManyAttempts    Kind = "too_many_attempts"
	KindTokenExpired       Kind = "token_expired"
	KindTokenInvalid       Kind = "token_invalid"
	KindTokenRevoked       Kind = "token_revoked"
	KindMissingToken       Kind = "missing_token"
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindTransient          Kind = "transient"
)

// KindOf classifies an error returned by Service. Unknown errors are treated
// as transient.
func KindOf(err error) Kind {
	var validation *account.ValidationError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrAccountDisabled):
		return KindAccountDisabled
	case errors.Is(err, ErrTooManyAttempts):
		return KindTooManyAttempts
	case errors.Is(err, token.ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, token.ErrTokenRevoked):
		return KindTokenRevoked
	case errors.Is(err, token.ErrMissingToken):
		return KindMissingToken
	case errors.Is(err, token.ErrTokenInvalid):
		return KindTokenInvalid
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, account.ErrConflict):
		return KindConflict
	default:
		return KindTransient
	}
}
