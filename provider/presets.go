package provider

import (
	"context"
	"fmt"

	identity "github.com/goliatone/go-identity"
	"golang.org/x/oauth2/endpoints"
)

// Provider kinds understood by Build.
const (
	KindGoogle  = "google"
	KindGitHub  = "github"
	KindOIDC    = "oidc"
	KindGeneric = "oauth2"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubUserInfoURL = "https://api.github.com/user"
)

// Google returns a client for Google with default endpoints and scopes.
func Google(cfg Config, opts ...Option) (*OAuth2Client, error) {
	if cfg.ID == "" {
		cfg.ID = "google"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = endpoints.Google.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = endpoints.Google.TokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = googleUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	return New(cfg, GoogleProfile, opts...)
}

// GitHub returns a client for GitHub with default endpoints and scopes.
func GitHub(cfg Config, opts ...Option) (*OAuth2Client, error) {
	if cfg.ID == "" {
		cfg.ID = "github"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = endpoints.GitHub.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = endpoints.GitHub.TokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = githubUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	return New(cfg, GitHubProfile, opts...)
}

// Build creates the client for kind. OIDC providers are discovered from the
// issuer; everything else uses static endpoints.
func Build(ctx context.Context, kind string, cfg Config, opts ...Option) (identity.IdentityProviderClient, error) {
	switch kind {
	case KindGoogle:
		if cfg.Issuer != "" {
			return NewOIDC(ctx, cfg, GoogleProfile, opts...)
		}
		return Google(cfg, opts...)
	case KindGitHub:
		return GitHub(cfg, opts...)
	case KindOIDC:
		return NewOIDC(ctx, cfg, SubjectProfile("sub"), opts...)
	case KindGeneric, "":
		return New(cfg, SubjectProfile("id"), opts...)
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.ID, kind)
	}
}
