package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	identity "github.com/goliatone/go-identity"
	"golang.org/x/oauth2"
)

// Config holds the OAuth2 settings of one provider.
type Config struct {
	ID           identity.ProviderID
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// Issuer enables OpenID Connect discovery and id_token verification.
	Issuer string

	HTTPClient *http.Client
}

// ProfileMapper turns a decoded user info document into a profile.
type ProfileMapper func(raw map[string]any) (*identity.ProviderProfile, error)

// OAuth2Client implements identity.IdentityProviderClient for authorization
// code providers with PKCE.
type OAuth2Client struct {
	id          identity.ProviderID
	oauth       *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	mapper      ProfileMapper
	verifier    *oidc.IDTokenVerifier
	logger      identity.Logger
}

// Option configures an OAuth2Client.
type Option func(*OAuth2Client)

// WithLogger sets the client logger.
func WithLogger(logger identity.Logger) Option {
	return func(c *OAuth2Client) {
		c.logger = logger
	}
}

// WithIDTokenVerifier enables id_token verification on token exchange.
func WithIDTokenVerifier(verifier *oidc.IDTokenVerifier) Option {
	return func(c *OAuth2Client) {
		c.verifier = verifier
	}
}

// New creates a client from static endpoints.
func New(cfg Config, mapper ProfileMapper, opts ...Option) (*OAuth2Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("provider: id is required")
	}
	if cfg.ClientID == "" || cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: client id, auth url and token url are required", cfg.ID)
	}
	if mapper == nil {
		mapper = SubjectProfile("sub")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &OAuth2Client{
		id: cfg.ID,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
		mapper:      mapper,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.logger == nil {
		c.logger = identity.DefaultLogger("identity.provider." + string(cfg.ID))
	}

	return c, nil
}

// NewOIDC discovers endpoints from cfg.Issuer and verifies id tokens issued
// for cfg.ClientID.
func NewOIDC(ctx context.Context, cfg Config, mapper ProfileMapper, opts ...Option) (*OAuth2Client, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("provider %s: issuer is required", cfg.ID)
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("provider %s: failed to init oidc provider: %w", cfg.ID, err)
	}

	endpoint := discovered.Endpoint()
	if cfg.AuthURL == "" {
		cfg.AuthURL = endpoint.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = endpoint.TokenURL
	}
	if cfg.UserInfoURL == "" {
		var claims struct {
			UserInfoURL string `json:"userinfo_endpoint"`
		}
		if err := discovered.Claims(&claims); err == nil {
			cfg.UserInfoURL = claims.UserInfoURL
		}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	verifier := discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	return New(cfg, mapper, append([]Option{WithIDTokenVerifier(verifier)}, opts...)...)
}

// ID returns the provider id.
func (c *OAuth2Client) ID() identity.ProviderID {
	return c.id
}

// AuthorizationURL stores a PKCE verifier in session and returns the
// authorization URL bound to the session state.
func (c *OAuth2Client) AuthorizationURL(_ context.Context, session identity.HandshakeSession) (string, error) {
	state := session.Get(identity.HandshakeStateKey)
	if state == "" {
		return "", &identity.ProviderError{
			Provider:    c.id,
			Operation:   "authorization_url",
			Description: "handshake has no state",
		}
	}

	verifier := oauth2.GenerateVerifier()
	session.Set(identity.HandshakeCodeVerifierKey, verifier)

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if nonce := session.Get(identity.HandshakeNonceKey); nonce != "" && c.verifier != nil {
		opts = append(opts, oidc.Nonce(nonce))
	}

	return c.oauth.AuthCodeURL(state, opts...), nil
}

// RequestAccessToken exchanges the callback code for tokens. The access
// token is returned as Token; providers without a secret leave TokenSecret
// empty.
func (c *OAuth2Client) RequestAccessToken(ctx context.Context, req identity.CallbackRequest, session identity.HandshakeSession) (identity.ProviderToken, error) {
	if got, want := req.Query.Get("state"), session.Get(identity.HandshakeStateKey); want == "" || got != want {
		return identity.ProviderToken{}, c.fail("exchange", 0, "invalid_state", "state mismatch", nil, nil)
	}

	code := req.Query.Get("code")
	if code == "" {
		return identity.ProviderToken{}, c.fail("exchange", 0, "missing_code", "callback has no code", nil, nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var opts []oauth2.AuthCodeOption
	if verifier := session.Get(identity.HandshakeCodeVerifierKey); verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := c.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return identity.ProviderToken{}, c.exchangeError(err)
	}

	if c.verifier != nil {
		if err := c.verifyIDToken(ctx, token, session.Get(identity.HandshakeNonceKey)); err != nil {
			return identity.ProviderToken{}, err
		}
	}

	c.logger.Debug("token exchanged", "provider", string(c.id), "expires", token.Expiry)

	return identity.ProviderToken{Token: token.AccessToken}, nil
}

func (c *OAuth2Client) verifyIDToken(ctx context.Context, token *oauth2.Token, nonce string) error {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return c.fail("exchange", 0, "missing_id_token", "provider did not return id_token", nil, nil)
	}

	idToken, err := c.verifier.Verify(ctx, raw)
	if err != nil {
		return c.fail("exchange", 0, "invalid_id_token", "id_token verification failed", err, nil)
	}

	if nonce != "" && idToken.Nonce != nonce {
		return c.fail("exchange", 0, "invalid_nonce", "id_token nonce mismatch", nil, nil)
	}

	return nil
}

// UserInfo fetches and maps the user info document for token.
func (c *OAuth2Client) UserInfo(ctx context.Context, token identity.ProviderToken) (*identity.ProviderProfile, error) {
	if c.userInfoURL == "" {
		return nil, c.fail("user_info", 0, "not_configured", "user info url not configured", nil, nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail("user_info", 0, "transport", "user info request failed", err, nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, c.fail("user_info", resp.StatusCode, "transport", "failed to read user info", err, nil)
	}

	if resp.StatusCode != http.StatusOK {
		code, desc, raw := parseProviderError(body)
		return nil, c.fail("user_info", resp.StatusCode, code, desc, nil, raw)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, c.fail("user_info", resp.StatusCode, "invalid_response", "failed to decode user info response", err, nil)
	}

	profile, err := c.mapper(raw)
	if err != nil {
		return nil, c.fail("user_info", resp.StatusCode, "invalid_profile", err.Error(), err, nil)
	}

	return profile, nil
}

func (c *OAuth2Client) exchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		code, desc := rerr.ErrorCode, rerr.ErrorDescription
		var raw map[string]any
		if code == "" && desc == "" {
			code, desc, raw = parseProviderError(rerr.Body)
		}
		return c.fail("exchange", status, code, desc, err, raw)
	}
	return c.fail("exchange", 0, "transport", "token exchange failed", err, nil)
}

func (c *OAuth2Client) fail(operation string, status int, code, description string, err error, raw map[string]any) *identity.ProviderError {
	return &identity.ProviderError{
		Provider:    c.id,
		Operation:   operation,
		Status:      status,
		Code:        code,
		Description: description,
		Err:         err,
		Raw:         raw,
	}
}

type plainError struct {
	Error string `json:"error"`
	Desc  string `json:"error_description"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type messageError struct {
	Message string `json:"message"`
}

func parseProviderError(body []byte) (string, string, map[string]any) {
	var plain plainError
	if err := json.Unmarshal(body, &plain); err == nil && (plain.Error != "" || plain.Desc != "") {
		return plain.Error, plain.Desc, map[string]any{
			"error":             plain.Error,
			"error_description": plain.Desc,
		}
	}

	var api apiError
	if err := json.Unmarshal(body, &api); err == nil && (api.Error.Message != "" || api.Error.Status != "") {
		code := api.Error.Status
		if code == "" && api.Error.Code != 0 {
			code = fmt.Sprintf("%d", api.Error.Code)
		}
		return code, api.Error.Message, map[string]any{
			"status":  api.Error.Status,
			"message": api.Error.Message,
			"code":    api.Error.Code,
		}
	}

	var msg messageError
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return "", msg.Message, map[string]any{"message": msg.Message}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		text = "provider request failed"
	}

	return "", text, nil
}
