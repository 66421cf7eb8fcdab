package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestIssuer(t *testing.T, blacklist Blacklist) (*Issuer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
	issuer, err := NewIssuer(Config{
		Secret:     "test-secret",
		Issuer:     "authcore",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}, blacklist, WithClock(clock.Now))
	require.NoError(t, err)
	return issuer, clock
}

var alice = Subject{AccountID: "0190d6a2-0000-7000-8000-000000000001", Username: "alice"}

func TestIssueAndVerifyAccess(t *testing.T) {
	issuer, clock := newTestIssuer(t, NewMemoryBlacklist())

	pair, err := issuer.Issue(alice)
	require.NoError(t, err)
	require.Equal(t, "Bearer", pair.TokenType)
	require.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := issuer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, alice.AccountID, claims.UserID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, TypeAccess, claims.TokenType)
	require.NotEmpty(t, claims.ID)
	require.True(t, clock.Now().Add(15*time.Minute).Equal(claims.ExpiresAt.Time))
}

func TestVerifyAccessFailures(t *testing.T) {
	issuer, clock := newTestIssuer(t, NewMemoryBlacklist())
	pair, err := issuer.Issue(alice)
	require.NoError(t, err)

	_, err = issuer.VerifyAccess("")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = issuer.VerifyAccess("not-a-jwt")
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = issuer.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid, "refresh tokens are not access tokens")

	other, err := NewIssuer(Config{Secret: "other-secret", Issuer: "authcore"}, NewMemoryBlacklist())
	require.NoError(t, err)
	forged, err := other.Issue(alice)
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(forged.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	clock.Advance(16 * time.Minute)
	_, err = issuer.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyAccessRejectsUnexpectedAlgorithm(t *testing.T) {
	issuer, clock := newTestIssuer(t, NewMemoryBlacklist())

	claims := Claims{
		UserID:    alice.AccountID,
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Issuer:    "authcore",
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = issuer.VerifyAccess(raw)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRotateIssuesNewPairAndRevokesOld(t *testing.T) {
	issuer, _ := newTestIssuer(t, NewMemoryBlacklist())
	ctx := context.Background()

	first, err := issuer.Issue(alice)
	require.NoError(t, err)

	second, err := issuer.Rotate(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEqual(t, first.AccessToken, second.AccessToken)

	claims, err := issuer.VerifyAccess(second.AccessToken)
	require.NoError(t, err)
	require.Equal(t, alice.AccountID, claims.UserID)
	require.Equal(t, alice.Username, claims.Username)

	_, err = issuer.Rotate(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	third, err := issuer.Rotate(ctx, second.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, second.RefreshToken, third.RefreshToken)
}

func TestRotateFailures(t *testing.T) {
	issuer, clock := newTestIssuer(t, NewMemoryBlacklist())
	ctx := context.Background()
	pair, err := issuer.Issue(alice)
	require.NoError(t, err)

	_, err = issuer.Rotate(ctx, "")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = issuer.Rotate(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	clock.Advance(25 * time.Hour)
	_, err = issuer.Rotate(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRotateForResolvesSubject(t *testing.T) {
	issuer, _ := newTestIssuer(t, NewMemoryBlacklist())
	ctx := context.Background()
	pair, err := issuer.Issue(alice)
	require.NoError(t, err)

	gone := errors.New("account gone")
	_, err = issuer.RotateFor(ctx, pair.RefreshToken, func(context.Context, *Claims) (Subject, error) {
		return Subject{}, gone
	})
	require.ErrorIs(t, err, gone)

	promoted, err := issuer.RotateFor(ctx, pair.RefreshToken, func(_ context.Context, claims *Claims) (Subject, error) {
		require.Equal(t, alice.AccountID, claims.UserID)
		return Subject{AccountID: claims.UserID, Username: "alice2", Staff: true}, nil
	})
	require.NoError(t, err, "a failed resolve does not burn the token")

	claims, err := issuer.VerifyAccess(promoted.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice2", claims.Username)
	require.True(t, claims.Staff)

	_, err = issuer.Rotate(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

func TestConcurrentRotateSucceedsOnce(t *testing.T) {
	issuer, _ := newTestIssuer(t, NewMemoryBlacklist())
	pair, err := issuer.Issue(alice)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded, revoked atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.Rotate(context.Background(), pair.RefreshToken)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrTokenRevoked):
				revoked.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, int32(19), revoked.Load())
}

func TestRevokeIsIdempotent(t *testing.T) {
	issuer, clock := newTestIssuer(t, NewMemoryBlacklist())
	ctx := context.Background()
	pair, err := issuer.Issue(alice)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, issuer.Revoke(ctx, pair.RefreshToken))

	_, err = issuer.Rotate(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	require.ErrorIs(t, issuer.Revoke(ctx, "garbage"), ErrTokenInvalid)
	require.ErrorIs(t, issuer.Revoke(ctx, " "), ErrMissingToken)

	other, err := issuer.Issue(alice)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	require.NoError(t, issuer.Revoke(ctx, other.RefreshToken), "expired tokens sign out cleanly")
}

func TestNewIssuerValidation(t *testing.T) {
	_, err := NewIssuer(Config{}, NewMemoryBlacklist())
	require.Error(t, err)

	_, err = NewIssuer(Config{Secret: "s", Algorithm: "RS256"}, NewMemoryBlacklist())
	require.Error(t, err)

	_, err = NewIssuer(Config{Secret: "s"}, nil)
	require.Error(t, err)

	issuer, err := NewIssuer(Config{Secret: "s", Algorithm: "hs512"}, NewMemoryBlacklist())
	require.NoError(t, err)
	pair, err := issuer.Issue(alice)
	require.NoError(t, err)
	require.Equal(t, int64(defaultAccessTTL.Seconds()), pair.ExpiresIn)
}

func TestMemoryBlacklistPrune(t *testing.T) {
	blacklist := NewMemoryBlacklist()
	ctx := context.Background()
	now := time.Now().UTC()

	added, err := blacklist.AddRevoked(ctx, "old", now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, added)
	added, err = blacklist.AddRevoked(ctx, "fresh", now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, added)

	pruned, err := blacklist.PruneRevoked(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	added, err = blacklist.AddRevoked(ctx, "fresh", now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, added)
}
