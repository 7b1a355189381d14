// Package sessionware authenticates requests carrying a session token and
// stores the resolved account in the request locals.
package sessionware

import (
	"context"
	"errors"
	"strings"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-router"
)

var (
	defaultTokenLookup = "header:X-BB-SESSION,auth:" + router.HeaderAuthorization

	// ErrSessionMissing is returned when no extractor found a token.
	ErrSessionMissing = errors.New("missing or malformed session token")
)

// Authenticator resolves a session token to its account.
// *identity.SocialLoginOrchestrator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*identity.Account, error)
}

// Config configures the middleware.
type Config struct {
	Filter         func(router.Context) bool
	SuccessHandler router.HandlerFunc
	ErrorHandler   router.ErrorHandler
	Authenticator  Authenticator
	// ContextKey is the locals key the account is stored under.
	ContextKey string
	// TokenLookup lists token sources, e.g. "header:X-BB-SESSION,auth:Authorization,cookie:session".
	TokenLookup string
	AuthScheme  string
	// ContextEnricher propagates the account to the standard context.
	// WithAccount is the usual choice.
	ContextEnricher func(c context.Context, account *identity.Account) context.Context
}

type accountCtxKey struct{}

// WithAccount returns a copy of ctx carrying account.
func WithAccount(ctx context.Context, account *identity.Account) context.Context {
	return context.WithValue(ctx, accountCtxKey{}, account)
}

// AccountFromContext returns the account stored by WithAccount.
func AccountFromContext(ctx context.Context) (*identity.Account, bool) {
	account, ok := ctx.Value(accountCtxKey{}).(*identity.Account)
	return account, ok && account != nil
}

// New returns the middleware.
func New(config ...Config) router.MiddlewareFunc {
	cfg := GetDefaultConfig(config...)
	extractors := GetExtractors(cfg.TokenLookup, cfg.AuthScheme)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Filter != nil && cfg.Filter(ctx) {
				return hf(ctx)
			}

			raw, err := ExtractRawToken(ctx, extractors)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			account, err := cfg.Authenticator.Authenticate(ctx.Context(), raw)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, account)

			if cfg.ContextEnricher != nil {
				ctx.SetContext(cfg.ContextEnricher(ctx.Context(), account))
			}

			if cfg.SuccessHandler != nil {
				if err := cfg.SuccessHandler(ctx); err != nil {
					return err
				}
			}

			return hf(ctx)
		}
	}
}

// GetDefaultConfig fills the unset fields of config.
func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Authenticator == nil {
		panic("IDENTITY: session middleware configuration: Authenticator is required.")
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c router.Context, err error) error {
			if errors.Is(err, ErrSessionMissing) {
				err = identity.ErrUnauthenticated
			}
			return c.JSON(identity.StatusFor(err), identity.ErrorPayload(err))
		}
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "account"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	return cfg
}

// Extractor pulls a raw token from the request.
type Extractor func(c router.Context) (string, error)

// ExtractRawToken returns the first token found by extractors.
func ExtractRawToken(ctx router.Context, extractors []Extractor) (string, error) {
	err := ErrSessionMissing
	for _, extractor := range extractors {
		raw, e := extractor(ctx)
		if raw != "" && e == nil {
			return raw, nil
		}
		if e != nil {
			err = e
		}
	}
	return "", err
}

// GetExtractors parses a lookup string such as "header:X-BB-SESSION,cookie:session".
func GetExtractors(tokenLookup string, authScheme string) []Extractor {
	extractors := make([]Extractor, 0)

	for _, part := range strings.Split(tokenLookup, ",") {
		source, name, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)

		switch strings.TrimSpace(source) {
		case "header":
			extractors = append(extractors, fromHeader(name))
		case "auth":
			extractors = append(extractors, fromAuthHeader(name, authScheme))
		case "query":
			extractors = append(extractors, fromQuery(name))
		case "cookie":
			extractors = append(extractors, fromCookie(name))
		}
	}

	return extractors
}

func fromHeader(header string) Extractor {
	return func(c router.Context) (string, error) {
		token := strings.TrimSpace(c.GetString(header, ""))
		if token == "" {
			return "", ErrSessionMissing
		}
		return token, nil
	}
}

func fromAuthHeader(header, authScheme string) Extractor {
	authScheme = strings.TrimSpace(authScheme)
	return func(c router.Context) (string, error) {
		a := c.GetString(header, "")
		l := len(authScheme)
		if l > 0 && len(a) > l+1 && strings.EqualFold(a[:l], authScheme) {
			return strings.TrimSpace(a[l:]), nil
		}
		return "", ErrSessionMissing
	}
}

func fromQuery(param string) Extractor {
	return func(c router.Context) (string, error) {
		token := c.Query(param, "")
		if token == "" {
			return "", ErrSessionMissing
		}
		return token, nil
	}
}

func fromCookie(name string) Extractor {
	return func(c router.Context) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", ErrSessionMissing
		}
		return token, nil
	}
}
