package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrMissingToken = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

type Claims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	Staff     bool   `json:"is_staff,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Subject is the identity a token pair is bound to.
type Subject struct {
	AccountID string
	Username  string
	Staff     bool
}

type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type Config struct {
	Secret     string
	Algorithm  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Blacklist records refresh token ids that must never be accepted again.
type Blacklist interface {
	// AddRevoked stores jti until expiresAt and reports whether it was newly
	// added. Concurrent calls for the same jti return true at most once.
	AddRevoked(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
	PruneRevoked(ctx context.Context, before time.Time) (int64, error)
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

type Issuer struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  Blacklist
	now        func() time.Time
	parser     *jwt.Parser
}

func NewIssuer(cfg Config, blacklist Blacklist, opts ...Option) (*Issuer, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("token secret is empty")
	}
	if blacklist == nil {
		return nil, errors.New("token blacklist is nil")
	}

	method, err := signingMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	i := &Issuer{
		secret:     []byte(cfg.Secret),
		method:     method,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		blacklist:  blacklist,
		now:        time.Now,
	}
	if i.accessTTL <= 0 {
		i.accessTTL = defaultAccessTTL
	}
	if i.refreshTTL <= 0 {
		i.refreshTTL = defaultRefreshTTL
	}
	for _, opt := range opts {
		opt(i)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.issuer))
	}
	i.parser = jwt.NewParser(parserOpts...)

	return i, nil
}

func signingMethod(name string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm: %s", name)
	}
}

// Issue signs a fresh access/refresh pair for subject.
func (i *Issuer) Issue(subject Subject) (Pair, error) {
	now := i.now().UTC()

	access, err := i.sign(subject, TypeAccess, now, i.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(subject, TypeRefresh, now, i.refreshTTL)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

func (i *Issuer) sign(subject Subject, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	claims := Claims{
		UserID:    subject.AccountID,
		Username:  subject.Username,
		Staff:     subject.Staff,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Issuer:    i.issuer,
			Subject:   subject.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return encoded, nil
}

// VerifyAccess checks signature, expiry and type of an access token. Access
// tokens are never blacklisted; they stay valid until they expire.
func (i *Issuer) VerifyAccess(raw string) (*Claims, error) {
	return i.parse(raw, TypeAccess)
}

// Resolver picks the subject of the pair that replaces a rotated refresh
// token, given that token's verified claims.
type Resolver func(ctx context.Context, claims *Claims) (Subject, error)

// Rotate exchanges a refresh token for a new pair for the same subject. A
// token can be rotated at most once.
func (i *Issuer) Rotate(ctx context.Context, raw string) (Pair, error) {
	return i.RotateFor(ctx, raw, nil)
}

// RotateFor is Rotate with the new subject chosen by resolve. The presented
// token is blacklisted only after the new pair is signed, so an error from
// resolve or from signing leaves it usable.
func (i *Issuer) RotateFor(ctx context.Context, raw string, resolve Resolver) (Pair, error) {
	claims, err := i.parse(raw, TypeRefresh)
	if err != nil {
		return Pair{}, err
	}

	subject := Subject{AccountID: claims.UserID, Username: claims.Username, Staff: claims.Staff}
	if resolve != nil {
		if subject, err = resolve(ctx, claims); err != nil {
			return Pair{}, err
		}
	}

	pair, err := i.Issue(subject)
	if err != nil {
		return Pair{}, err
	}

	added, err := i.blacklist.AddRevoked(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return Pair{}, fmt.Errorf("blacklist refresh token: %w", err)
	}
	if !added {
		return Pair{}, ErrTokenRevoked
	}
	return pair, nil
}

// Revoke blacklists a refresh token without replacing it. Revoking an
// expired or already revoked token succeeds.
func (i *Issuer) Revoke(ctx context.Context, raw string) error {
	claims, err := i.parse(raw, TypeRefresh)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := i.blacklist.AddRevoked(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("blacklist refresh token: %w", err)
	}
	return nil
}

func (i *Issuer) parse(raw, tokenType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})

	expired := errors.Is(err, jwt.ErrTokenExpired)
	if err != nil && !expired {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.TokenType != tokenType || claims.ID == "" || claims.UserID == "" || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}
	if expired {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
