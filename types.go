package identity

import (
	"context"
	"net/url"
	"sort"
	"time"
)

// ProviderID identifies an identity provider, e.g. "google" or "github".
type ProviderID string

func (p ProviderID) String() string {
	return string(p)
}

// IdentityAssertion is a provider verified claim of identity. It is request
// scoped and never persisted as is.
type IdentityAssertion struct {
	Provider       ProviderID
	ProviderUserID string
	Token          string
	TokenSecret    string
	ProfileData    map[string]any
}

// LinkedIdentity binds one provider identity to an account.
type LinkedIdentity struct {
	Provider       ProviderID     `json:"from"`
	ProviderUserID string         `json:"id"`
	Token          string         `json:"token"`
	TokenSecret    string         `json:"secret"`
	ProfileData    map[string]any `json:"additional_data,omitempty"`
	LinkedAt       time.Time      `json:"linked_at"`
}

// Account is the local account an external identity resolves to.
type Account struct {
	ID                  string                        `json:"id"`
	Username            string                        `json:"username"`
	CreatedAt           time.Time                     `json:"signup_date"`
	UsernameIsGenerated bool                          `json:"generated_username"`
	Links               map[ProviderID]LinkedIdentity `json:"-"`
	PrivateData         map[string]any                `json:"-"`
	Version             int64                         `json:"-"`
}

// LinkedProviders returns the providers linked to the account in a stable order.
func (a *Account) LinkedProviders() []ProviderID {
	if a == nil {
		return nil
	}
	out := make([]ProviderID, 0, len(a.Links))
	for p := range a.Links {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasLink reports whether the account holds a link for provider.
func (a *Account) HasLink(provider ProviderID) bool {
	if a == nil || a.Links == nil {
		return false
	}
	_, ok := a.Links[provider]
	return ok
}

// cloneLinks returns a copy of the account links safe to mutate.
func (a *Account) cloneLinks() map[ProviderID]LinkedIdentity {
	out := make(map[ProviderID]LinkedIdentity, len(a.Links)+1)
	for k, v := range a.Links {
		out[k] = v
	}
	return out
}

// NewAccount carries the immutable attributes of an account being created.
type NewAccount struct {
	Username            string
	CreatedAt           time.Time
	UsernameIsGenerated bool
	PrivateData         map[string]any
}

// ProviderToken is the result of a provider handshake. Providers that only
// issue one token return it in both fields.
type ProviderToken struct {
	Token       string
	TokenSecret string
}

// ProviderProfile is the normalized user information returned by a provider.
type ProviderProfile struct {
	ProviderUserID string
	ProfileData    map[string]any
}

// HandshakeSession carries handshake state between the authorization
// redirect and the provider callback (state nonce, PKCE verifier).
type HandshakeSession map[string]string

// Get returns the value stored under key.
func (s HandshakeSession) Get(key string) string {
	if s == nil {
		return ""
	}
	return s[key]
}

// Set stores value under key.
func (s HandshakeSession) Set(key, value string) {
	if s != nil {
		s[key] = value
	}
}

// CallbackRequest is the raw provider callback payload.
type CallbackRequest struct {
	Query url.Values
}

// IdentityProviderClient performs the provider protocol handshake.
type IdentityProviderClient interface {
	AuthorizationURL(ctx context.Context, session HandshakeSession) (string, error)
	RequestAccessToken(ctx context.Context, req CallbackRequest, session HandshakeSession) (ProviderToken, error)
	UserInfo(ctx context.Context, token ProviderToken) (*ProviderProfile, error)
}

// UserDirectory is the durable account store.
//
// Lookups return ErrAccountNotFound when nothing matches. CreateAccountWithLink
// persists the account and its first link as one unit and returns ErrConflict
// when the provider identity or the username is already taken. MutateLinks
// replaces the account links only if the stored version still equals
// expectedVersion, otherwise it returns ErrConflict.
type UserDirectory interface {
	FindBySocialID(ctx context.Context, provider ProviderID, providerUserID string) (*Account, error)
	FindByUsername(ctx context.Context, username string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	CreateAccountWithLink(ctx context.Context, account NewAccount, link LinkedIdentity) (*Account, error)
	MutateLinks(ctx context.Context, account *Account, expectedVersion int64, links map[ProviderID]LinkedIdentity) (*Account, error)
}

// SessionIssuer exchanges account credentials for an opaque session token.
type SessionIssuer interface {
	Issue(ctx context.Context, appCode, username, credential string) (string, error)
}

// SessionVerifier validates a session token and returns the username bound to it.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}
