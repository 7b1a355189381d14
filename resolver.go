package identity

import (
	"context"
	"strings"
	"unicode"
)

// IdentityResolver finds the account that owns a provider identity.
type IdentityResolver struct {
	directory UserDirectory
}

// NewIdentityResolver creates a resolver backed by directory.
func NewIdentityResolver(directory UserDirectory) *IdentityResolver {
	return &IdentityResolver{directory: directory}
}

// Resolve returns the account owning the assertion identity, or nil when the
// identity has not been seen yet. Malformed input and query failures are
// reported as ErrDirectoryFault, never as a miss.
func (r *IdentityResolver) Resolve(ctx context.Context, assertion IdentityAssertion) (*Account, error) {
	return r.ResolveIdentity(ctx, assertion.Provider, assertion.ProviderUserID)
}

// ResolveIdentity is Resolve for a bare (provider, providerUserID) pair.
func (r *IdentityResolver) ResolveIdentity(ctx context.Context, provider ProviderID, providerUserID string) (*Account, error) {
	provider = CanonicalProviderID(provider)
	if err := validateIdentityKey(provider, providerUserID); err != nil {
		return nil, err
	}

	account, err := r.directory.FindBySocialID(ctx, provider, providerUserID)
	if err != nil {
		if IsAccountNotFound(err) {
			return nil, nil
		}
		return nil, wrapFault(ErrDirectoryFault, err, "find by social id %s", provider)
	}

	if account == nil {
		return nil, nil
	}

	// the directory must only return the owner of this exact identity
	link, ok := account.Links[provider]
	if !ok || link.ProviderUserID != providerUserID {
		return nil, wrapFault(ErrDirectoryFault, nil, "directory returned account %s without matching %s link", account.ID, provider)
	}

	return account, nil
}

func validateIdentityKey(provider ProviderID, providerUserID string) error {
	if strings.TrimSpace(string(provider)) == "" {
		return wrapFault(ErrDirectoryFault, nil, "empty provider")
	}
	if strings.TrimSpace(providerUserID) == "" {
		return wrapFault(ErrDirectoryFault, nil, "empty provider user id")
	}
	if strings.IndexFunc(providerUserID, unicode.IsControl) >= 0 {
		return wrapFault(ErrDirectoryFault, nil, "provider user id contains control characters")
	}
	return nil
}
