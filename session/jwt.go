// Package session provides a JWT backed session issuer that accepts the
// derived account credential as proof of identity.
package session

import (
	"context"
	"crypto/hmac"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/google/uuid"
)

// AccountLookup is the part of identity.UserDirectory the issuer needs.
type AccountLookup interface {
	FindByUsername(ctx context.Context, username string) (*identity.Account, error)
}

var (
	// ErrInvalidCredentials is returned when the credential does not match.
	ErrInvalidCredentials = errors.New("invalid credentials", errors.CategoryAuth).
				WithTextCode("SESSION_INVALID_CREDENTIALS").
				WithCode(errors.CodeUnauthorized)

	// ErrUnknownApp is returned when the app code is not accepted.
	ErrUnknownApp = errors.New("unknown application code", errors.CategoryAuth).
			WithTextCode("SESSION_UNKNOWN_APP").
			WithCode(errors.CodeUnauthorized)

	// ErrTokenExpired is returned by Verify for expired tokens.
	ErrTokenExpired = errors.New("session expired", errors.CategoryAuth).
			WithTextCode("SESSION_EXPIRED").
			WithCode(errors.CodeUnauthorized)

	// ErrTokenMalformed is returned by Verify for tokens that fail to parse or validate.
	ErrTokenMalformed = errors.New("malformed session token", errors.CategoryAuth).
				WithTextCode("SESSION_MALFORMED").
				WithCode(errors.CodeUnauthorized)
)

// Claims are the claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	AppCode string `json:"app"`
}

// Config configures a JWTIssuer.
type Config struct {
	SigningKey         []byte
	InstallationSecret []byte
	AppCode            string
	Issuer             string
	Audience           []string
	TTL                time.Duration
}

// JWTIssuer implements identity.SessionIssuer and identity.SessionVerifier.
type JWTIssuer struct {
	accounts AccountLookup
	deriver  *identity.CredentialDeriver
	cfg      Config
	now      func() time.Time
	logger   identity.Logger
}

var (
	_ identity.SessionIssuer   = (*JWTIssuer)(nil)
	_ identity.SessionVerifier = (*JWTIssuer)(nil)
)

// Option configures a JWTIssuer.
type Option func(*JWTIssuer)

// WithClock overrides the time source used for issued and expiry claims.
func WithClock(now func() time.Time) Option {
	return func(i *JWTIssuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger identity.Logger) Option {
	return func(i *JWTIssuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewJWTIssuer creates an issuer that checks credentials against accounts.
func NewJWTIssuer(accounts AccountLookup, cfg Config, opts ...Option) (*JWTIssuer, error) {
	if accounts == nil {
		return nil, errors.New("session issuer requires an account lookup", errors.CategoryValidation)
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("session issuer requires a signing key", errors.CategoryValidation)
	}
	if len(cfg.InstallationSecret) == 0 {
		return nil, errors.New("session issuer requires the installation secret", errors.CategoryValidation)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	issuer := &JWTIssuer{
		accounts: accounts,
		deriver:  identity.NewCredentialDeriver(cfg.InstallationSecret),
		cfg:      cfg,
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}

	if issuer.logger == nil {
		issuer.logger = identity.DefaultLogger("session")
	}

	return issuer, nil
}

// Issue implements identity.SessionIssuer. The credential must equal the one
// derived from the stored account.
func (i *JWTIssuer) Issue(ctx context.Context, appCode, username, credential string) (string, error) {
	if i.cfg.AppCode != "" && appCode != i.cfg.AppCode {
		return "", ErrUnknownApp
	}

	account, err := i.accounts.FindByUsername(ctx, username)
	if err != nil {
		if identity.IsAccountNotFound(err) {
			return "", ErrInvalidCredentials
		}
		return "", errors.Wrap(err, errors.CategoryInternal, "lookup session account")
	}

	expected := i.deriver.Derive(account.Username, account.CreatedAt)
	if !hmac.Equal([]byte(expected), []byte(credential)) {
		i.logger.Warn("session credential mismatch", "username", username)
		return "", ErrInvalidCredentials
	}

	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.cfg.Issuer,
			Subject:   account.Username,
			Audience:  jwt.ClaimStrings(i.cfg.Audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
		},
		AppCode: appCode,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign session")
	}

	return signed, nil
}

// Verify implements identity.SessionVerifier.
func (i *JWTIssuer) Verify(ctx context.Context, token string) (string, error) {
	claims, err := i.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Parse validates token and returns its claims.
func (i *JWTIssuer) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	if len(i.cfg.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(i.cfg.Audience...))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithTextCode(ErrTokenMalformed.TextCode).
			WithCode(ErrTokenMalformed.Code)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}

	if i.cfg.AppCode != "" && claims.AppCode != i.cfg.AppCode {
		return nil, ErrUnknownApp
	}

	return claims, nil
}
