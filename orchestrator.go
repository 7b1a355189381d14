package identity

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

// LoginState tracks a login request through resolution and binding.
type LoginState string

const (
	LoginStateUnresolved   LoginState = "unresolved"
	LoginStateResolved     LoginState = "resolved"
	LoginStateMaterialized LoginState = "materialized"
	LoginStateBound        LoginState = "bound"
	LoginStateFailed       LoginState = "failed"
)

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Account      *Account
	SessionToken string
	IsNewAccount bool
	State        LoginState
}

// OrchestratorConfig carries the installation wide settings of the
// orchestrator.
type OrchestratorConfig struct {
	AppCode            string
	InstallationSecret []byte
}

// OrchestratorOption configures a SocialLoginOrchestrator.
type OrchestratorOption func(*SocialLoginOrchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger Logger) OrchestratorOption {
	return func(o *SocialLoginOrchestrator) {
		o.logger = logger
	}
}

// WithActivitySink sets the activity sink for audit logging.
func WithActivitySink(sink ActivitySink) OrchestratorOption {
	return func(o *SocialLoginOrchestrator) {
		o.activitySink = sink
	}
}

// WithSessionVerifier enables Authenticate.
func WithSessionVerifier(verifier SessionVerifier) OrchestratorOption {
	return func(o *SocialLoginOrchestrator) {
		o.verifier = verifier
	}
}

// WithMaterializerOptions forwards options to the account materializer.
func WithMaterializerOptions(opts ...MaterializerOption) OrchestratorOption {
	return func(o *SocialLoginOrchestrator) {
		o.materializerOpts = append(o.materializerOpts, opts...)
	}
}

// SocialLoginOrchestrator is the use case surface of the package. The HTTP
// layer only talks to it.
type SocialLoginOrchestrator struct {
	registry     *ProviderRegistry
	directory    UserDirectory
	resolver     *IdentityResolver
	materializer *AccountMaterializer
	links        *LinkManager
	binder       *SessionBinder
	verifier     SessionVerifier
	activitySink ActivitySink
	logger       Logger

	materializerOpts []MaterializerOption
}

// NewSocialLoginOrchestrator wires the resolution, materialization, linking
// and binding components around directory and issuer.
func NewSocialLoginOrchestrator(
	registry *ProviderRegistry,
	directory UserDirectory,
	issuer SessionIssuer,
	cfg OrchestratorConfig,
	opts ...OrchestratorOption,
) (*SocialLoginOrchestrator, error) {
	if len(cfg.InstallationSecret) == 0 {
		return nil, errors.New("installation secret is required", errors.CategoryValidation).
			WithTextCode(TextCodeConfig)
	}
	if directory == nil || issuer == nil {
		return nil, errors.New("directory and session issuer are required", errors.CategoryValidation).
			WithTextCode(TextCodeConfig)
	}

	o := &SocialLoginOrchestrator{
		registry:  registry,
		directory: directory,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	o.logger = resolveLogger("identity.orchestrator", o.logger)
	o.activitySink = normalizeActivitySink(o.activitySink)

	deriver := NewCredentialDeriver(cfg.InstallationSecret)
	o.resolver = NewIdentityResolver(directory)
	o.materializer = NewAccountMaterializer(directory, o.resolver, o.materializerOpts...)
	o.links = NewLinkManager(directory, o.resolver, nil)
	o.binder = NewSessionBinder(issuer, deriver, cfg.AppCode)

	return o, nil
}

// Providers lists the enabled providers.
func (o *SocialLoginOrchestrator) Providers() []ProviderID {
	return o.registry.Providers()
}

// AuthorizationURL returns the provider URL the user agent is sent to.
func (o *SocialLoginOrchestrator) AuthorizationURL(ctx context.Context, provider ProviderID, session HandshakeSession) (string, error) {
	provider, client, err := o.registry.Lookup(provider)
	if err != nil {
		return "", err
	}

	url, err := client.AuthorizationURL(ctx, session)
	if err != nil {
		return "", wrapProviderError(provider, "authorization_url", err)
	}

	return url, nil
}

// Callback completes the provider handshake and returns the provider tokens.
// A provider that issues a single token gets it echoed as the secret.
func (o *SocialLoginOrchestrator) Callback(ctx context.Context, provider ProviderID, req CallbackRequest, session HandshakeSession) (ProviderToken, error) {
	provider, client, err := o.registry.Lookup(provider)
	if err != nil {
		return ProviderToken{}, err
	}

	token, err := client.RequestAccessToken(ctx, req, session)
	if err != nil {
		return ProviderToken{}, wrapProviderError(provider, "request_access_token", err)
	}
	if token.Token == "" {
		return ProviderToken{}, wrapProviderError(provider, "request_access_token", &ProviderError{
			Provider:    provider,
			Operation:   "request_access_token",
			Description: "empty access token",
		})
	}
	if token.TokenSecret == "" {
		token.TokenSecret = token.Token
	}

	return token, nil
}

// LoginWith resolves the provider identity behind token into an account,
// creating one on first sight, and issues a session for it.
func (o *SocialLoginOrchestrator) LoginWith(ctx context.Context, provider ProviderID, token, tokenSecret string) (*LoginResult, error) {
	provider = CanonicalProviderID(provider)
	state := LoginStateUnresolved

	fail := func(err error) (*LoginResult, error) {
		o.logger.Warn("social login failed",
			"provider", string(provider),
			"state", string(LoginStateFailed),
			"at", string(state),
			"error", err,
		)
		recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Provider:  provider,
			Metadata: map[string]any{
				"at":        string(state),
				"text_code": TextCodeFor(err),
			},
		})
		return nil, err
	}

	assertion, err := o.assert(ctx, provider, token, tokenSecret)
	if err != nil {
		return fail(err)
	}

	account, err := o.resolver.Resolve(ctx, assertion)
	if err != nil {
		return fail(err)
	}

	created := false
	if account != nil {
		state = LoginStateResolved
	} else {
		result, err := o.materializer.Materialize(ctx, assertion)
		if err != nil {
			return fail(err)
		}
		account = result.Account
		created = result.Created
		if created {
			state = LoginStateMaterialized
		} else {
			state = LoginStateResolved
		}
	}

	if account == nil || strings.TrimSpace(account.Username) == "" {
		return fail(ErrProfile)
	}

	sessionToken, err := o.binder.Bind(ctx, account)
	if err != nil {
		return fail(err)
	}

	from := state
	state = LoginStateBound

	if created {
		recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
			EventType: ActivityEventAccountCreated,
			AccountID: account.ID,
			Provider:  provider,
		})
	}
	recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
		EventType: ActivityEventLogin,
		AccountID: account.ID,
		Provider:  provider,
		Metadata: map[string]any{
			"is_new_account": created,
		},
	})

	o.logger.Info("social login bound",
		"provider", string(provider),
		"account_id", account.ID,
		"from", string(from),
		"new_account", created,
	)

	return &LoginResult{
		Account:      account,
		SessionToken: sessionToken,
		IsNewAccount: created,
		State:        state,
	}, nil
}

// LinkWith attaches the provider identity behind token to account.
func (o *SocialLoginOrchestrator) LinkWith(ctx context.Context, account *Account, provider ProviderID, token, tokenSecret string) (*Account, error) {
	if account == nil {
		return nil, ErrUnauthenticated
	}
	provider = CanonicalProviderID(provider)

	assertion, err := o.assert(ctx, provider, token, tokenSecret)
	if err != nil {
		return nil, err
	}

	updated, err := o.links.Link(ctx, account, assertion)
	if err != nil {
		o.logger.Warn("link failed",
			"provider", string(provider),
			"account_id", account.ID,
			"error", err,
		)
		return nil, err
	}

	recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
		EventType: ActivityEventLinkAdded,
		AccountID: account.ID,
		Provider:  provider,
	})

	return updated, nil
}

// Unlink detaches provider from account.
func (o *SocialLoginOrchestrator) Unlink(ctx context.Context, account *Account, provider ProviderID) (*Account, error) {
	provider = CanonicalProviderID(provider)
	updated, err := o.links.Unlink(ctx, account, provider)
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
		EventType: ActivityEventLinkRemoved,
		AccountID: account.ID,
		Provider:  provider,
	})

	return updated, nil
}

// SocialLogins lists the links of account.
func (o *SocialLoginOrchestrator) SocialLogins(ctx context.Context, account *Account) ([]LinkedIdentity, error) {
	return o.links.List(ctx, account)
}

// Authenticate returns the account bound to sessionToken.
func (o *SocialLoginOrchestrator) Authenticate(ctx context.Context, sessionToken string) (*Account, error) {
	if o.verifier == nil || strings.TrimSpace(sessionToken) == "" {
		return nil, ErrUnauthenticated
	}

	username, err := o.verifier.Verify(ctx, sessionToken)
	if err != nil {
		return nil, wrapFault(ErrUnauthenticated, err, "")
	}

	account, err := o.directory.FindByUsername(ctx, username)
	if err != nil {
		if IsAccountNotFound(err) {
			return nil, ErrUnauthenticated
		}
		return nil, wrapFault(ErrDirectoryFault, err, "find by username")
	}

	return account, nil
}

// assert validates the oauth parameters and exchanges them for the provider
// identity. No local state is touched.
func (o *SocialLoginOrchestrator) assert(ctx context.Context, provider ProviderID, token, tokenSecret string) (IdentityAssertion, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(tokenSecret) == "" {
		return IdentityAssertion{}, ErrValidation
	}

	provider, client, err := o.registry.Lookup(provider)
	if err != nil {
		return IdentityAssertion{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	profile, err := client.UserInfo(ctx, ProviderToken{Token: token, TokenSecret: tokenSecret})
	if err != nil {
		return IdentityAssertion{}, wrapProviderError(provider, "user_info", err)
	}
	if profile == nil || strings.TrimSpace(profile.ProviderUserID) == "" {
		return IdentityAssertion{}, wrapProviderError(provider, "user_info", &ProviderError{
			Provider:    provider,
			Operation:   "user_info",
			Description: "profile has no user id",
		})
	}

	return IdentityAssertion{
		Provider:       provider,
		ProviderUserID: profile.ProviderUserID,
		Token:          token,
		TokenSecret:    tokenSecret,
		ProfileData:    profile.ProfileData,
	}, nil
}

const providerCallTimeout = 15 * time.Second
