package identity

import (
	stderrors "errors"
	"net/http"
	"net/url"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	// PathPrefix for routes (default: "/social")
	PathPrefix string

	// AccountContextKey is the router locals key holding the authenticated *Account (default: "account")
	AccountContextKey string

	// SessionHeader carries the session token on login responses (default: "X-BB-SESSION")
	SessionHeader string

	// HandshakeCookie stores the sealed handshake between authorize and callback
	HandshakeCookie string

	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite string

	// ErrorHandler handles errors (optional)
	ErrorHandler func(ctx router.Context, err error) error
}

// HTTPController exposes the orchestrator use cases over go-router.
type HTTPController struct {
	orchestrator *SocialLoginOrchestrator
	codec        *HandshakeCodec
	nonces       NonceStore
	config       HTTPConfig
	logger       Logger
}

// NewHTTPController creates a controller. nonces may be nil, in which case
// handshake states are only protected by the sealed cookie TTL.
func NewHTTPController(orchestrator *SocialLoginOrchestrator, codec *HandshakeCodec, nonces NonceStore, cfg HTTPConfig, logger Logger) *HTTPController {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/social"
	}
	if cfg.AccountContextKey == "" {
		cfg.AccountContextKey = "account"
	}
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = "X-BB-SESSION"
	}
	if cfg.HandshakeCookie == "" {
		cfg.HandshakeCookie = "identity_handshake"
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "Lax"
	}

	return &HTTPController{
		orchestrator: orchestrator,
		codec:        codec,
		nonces:       nonces,
		config:       cfg,
		logger:       resolveLogger("identity.http", logger),
	}
}

// Config returns the effective configuration.
func (c *HTTPController) Config() HTTPConfig {
	return c.config
}

// RegisterRoutes registers the social login routes. authenticated guards the
// routes that act on the current account and must store it under
// AccountContextKey.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar, authenticated ...router.MiddlewareFunc) {
	group.Get("/providers", c.ListProviders)
	group.Get("/", c.SocialLogins, authenticated...)
	group.Get("/:provider/authorize", c.AuthorizationURL)
	group.Get("/:provider/callback", c.Callback)
	group.Post("/:provider/login", c.LoginWith)
	group.Post("/:provider/link", c.LinkWith, authenticated...)
	group.Delete("/:provider", c.Unlink, authenticated...)
}

// ListProviders returns the enabled providers.
func (c *HTTPController) ListProviders(ctx router.Context) error {
	return ctx.JSON(router.StatusOK, map[string]any{
		"providers": c.orchestrator.Providers(),
	})
}

// AuthorizationURL returns the provider authorization URL and stores the
// sealed handshake in a cookie.
func (c *HTTPController) AuthorizationURL(ctx router.Context) error {
	provider := providerParam(ctx)
	session := NewHandshake()

	authURL, err := c.orchestrator.AuthorizationURL(ctx.Context(), provider, session)
	if err != nil {
		return c.handleError(ctx, err)
	}

	sealed, err := c.codec.Seal(provider, session)
	if err != nil {
		return c.handleError(ctx, errors.Wrap(err, errors.CategoryInternal, "failed to seal handshake"))
	}

	if c.nonces != nil {
		if err := c.nonces.Remember(ctx.Context(), session.Get(HandshakeStateKey), c.codec.TTL()); err != nil {
			return c.handleError(ctx, errors.Wrap(err, errors.CategoryInternal, "failed to store handshake state"))
		}
	}

	c.setCookie(ctx, c.config.HandshakeCookie, sealed)

	return ctx.JSON(router.StatusOK, map[string]string{
		"url": authURL,
	})
}

// Callback completes the provider handshake and returns the oauth tokens the
// client later sends to the login or link routes.
func (c *HTTPController) Callback(ctx router.Context) error {
	provider := providerParam(ctx)

	if errCode := ctx.Query("error"); errCode != "" {
		return c.handleError(ctx, wrapProviderError(provider, "callback", &ProviderError{
			Provider:    provider,
			Operation:   "callback",
			Code:        errCode,
			Description: ctx.Query("error_description"),
		}))
	}

	session, err := c.codec.Open(provider, ctx.Cookies(c.config.HandshakeCookie))
	if err != nil {
		return c.handleError(ctx, err)
	}

	state := session.Get(HandshakeStateKey)
	if state == "" || ctx.Query("state") != state {
		return c.handleError(ctx, ErrInvalidHandshake)
	}

	if c.nonces != nil {
		fresh, err := c.nonces.Consume(ctx.Context(), state)
		if err != nil {
			return c.handleError(ctx, errors.Wrap(err, errors.CategoryInternal, "failed to consume handshake state"))
		}
		if !fresh {
			c.logger.Warn("handshake state replayed", "provider", string(provider))
			return c.handleError(ctx, ErrInvalidHandshake)
		}
	}

	token, err := c.orchestrator.Callback(ctx.Context(), provider, CallbackRequest{Query: queryValues(ctx)}, session)
	if err != nil {
		return c.handleError(ctx, err)
	}

	c.setCookie(ctx, c.config.HandshakeCookie, "")

	return ctx.JSON(router.StatusOK, map[string]string{
		"oauth_token":  token.Token,
		"oauth_secret": token.TokenSecret,
	})
}

// LoginWith signs in with provider tokens, creating the account on first use.
func (c *HTTPController) LoginWith(ctx router.Context) error {
	provider := providerParam(ctx)

	result, err := c.orchestrator.LoginWith(ctx.Context(),
		provider,
		ctx.Query("oauth_token"),
		ctx.Query("oauth_secret"),
	)
	if err != nil {
		return c.handleError(ctx, err)
	}

	ctx.SetHeader(c.config.SessionHeader, result.SessionToken)

	return ctx.JSON(router.StatusOK, map[string]any{
		"user":                 result.Account,
		c.config.SessionHeader: result.SessionToken,
	})
}

// LinkWith links provider tokens to the current account.
func (c *HTTPController) LinkWith(ctx router.Context) error {
	account, err := c.currentAccount(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	_, err = c.orchestrator.LinkWith(ctx.Context(),
		account,
		providerParam(ctx),
		ctx.Query("oauth_token"),
		ctx.Query("oauth_secret"),
	)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.Status(router.StatusOK).SendString("")
}

// Unlink removes the provider link from the current account.
func (c *HTTPController) Unlink(ctx router.Context) error {
	account, err := c.currentAccount(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	if _, err := c.orchestrator.Unlink(ctx.Context(), account, providerParam(ctx)); err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.Status(router.StatusOK).SendString("")
}

// SocialLogins lists the links of the current account without their tokens.
func (c *HTTPController) SocialLogins(ctx router.Context) error {
	account, err := c.currentAccount(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	links, err := c.orchestrator.SocialLogins(ctx.Context(), account)
	if err != nil {
		return c.handleError(ctx, err)
	}

	response := make([]map[string]any, 0, len(links))
	for _, link := range links {
		item := map[string]any{
			"from":      link.Provider,
			"id":        link.ProviderUserID,
			"linked_at": link.LinkedAt,
		}
		if len(link.ProfileData) > 0 {
			item["additional_data"] = link.ProfileData
		}
		response = append(response, item)
	}

	return ctx.JSON(router.StatusOK, response)
}

func (c *HTTPController) currentAccount(ctx router.Context) (*Account, error) {
	account, ok := ctx.Locals(c.config.AccountContextKey).(*Account)
	if !ok || account == nil {
		return nil, ErrUnauthenticated
	}
	return account, nil
}

func (c *HTTPController) setCookie(ctx router.Context, name, value string) {
	ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.config.PathPrefix,
		Secure:   c.config.CookieSecure,
		HTTPOnly: c.config.CookieHTTPOnly,
		SameSite: c.config.CookieSameSite,
	})
}

func (c *HTTPController) handleError(ctx router.Context, err error) error {
	if c.config.ErrorHandler != nil {
		return c.config.ErrorHandler(ctx, err)
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("request failed", "text_code", TextCodeFor(err), "error", err)
	} else {
		c.logger.Debug("request rejected", "status", status, "error", err)
	}

	return ctx.JSON(status, ErrorPayload(err))
}

// ErrorPayload renders err as the JSON body returned to clients. Only the
// public message and text code of the outermost rich error are exposed.
func ErrorPayload(err error) map[string]any {
	var richErr *errors.Error
	if stderrors.As(err, &richErr) {
		return map[string]any{
			"error": richErr.Message,
			"code":  richErr.TextCode,
		}
	}
	return map[string]any{
		"error": "internal error",
	}
}

func queryValues(ctx router.Context) url.Values {
	values := url.Values{}
	for k, v := range ctx.Queries() {
		values.Set(k, v)
	}
	return values
}

func providerParam(ctx router.Context) ProviderID {
	return CanonicalProviderID(ProviderID(ctx.Param("provider")))
}
