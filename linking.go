package identity

import (
	"context"
	"sort"
	"time"
)

// LinkManager adds and removes provider identities on existing accounts.
// Every mutation is persisted through UserDirectory.MutateLinks with the
// version the account was read at.
type LinkManager struct {
	directory UserDirectory
	resolver  *IdentityResolver
	now       func() time.Time
	logger    Logger
}

// NewLinkManager creates a link manager.
func NewLinkManager(directory UserDirectory, resolver *IdentityResolver, logger Logger) *LinkManager {
	if resolver == nil {
		resolver = NewIdentityResolver(directory)
	}
	return &LinkManager{
		directory: directory,
		resolver:  resolver,
		now:       time.Now,
		logger:    resolveLogger("identity.links", logger),
	}
}

// Link attaches the assertion identity to account. Linking an identity the
// account already holds refreshes its tokens and profile.
func (m *LinkManager) Link(ctx context.Context, account *Account, assertion IdentityAssertion) (*Account, error) {
	if account == nil {
		return nil, ErrUnauthenticated
	}
	assertion.Provider = CanonicalProviderID(assertion.Provider)

	owner, err := m.resolver.Resolve(ctx, assertion)
	if err != nil {
		return nil, err
	}

	if owner != nil && owner.ID != account.ID {
		m.logger.Warn("identity already owned by another account",
			"provider", string(assertion.Provider),
			"account_id", account.ID,
		)
		return nil, ErrAlreadyLinked
	}

	links := account.cloneLinks()
	link := linkFromAssertion(assertion, CredentialTime(m.now()))

	if existing, ok := links[assertion.Provider]; ok {
		if existing.ProviderUserID == assertion.ProviderUserID {
			link.LinkedAt = existing.LinkedAt
		} else {
			m.logger.Info("replacing provider identity on account",
				"provider", string(assertion.Provider),
				"account_id", account.ID,
			)
		}
	}
	links[assertion.Provider] = link

	updated, err := m.mutate(ctx, account, links)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("provider linked",
		"provider", string(assertion.Provider),
		"account_id", account.ID,
	)

	return updated, nil
}

// Unlink detaches provider from account. An account whose username was
// generated keeps its last link.
func (m *LinkManager) Unlink(ctx context.Context, account *Account, provider ProviderID) (*Account, error) {
	if account == nil {
		return nil, ErrUnauthenticated
	}

	provider = CanonicalProviderID(provider)
	if !account.HasLink(provider) {
		return nil, ErrNotLinked
	}

	if account.UsernameIsGenerated && len(account.Links) == 1 {
		return nil, ErrLastLink
	}

	links := account.cloneLinks()
	delete(links, provider)

	updated, err := m.mutate(ctx, account, links)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("provider unlinked",
		"provider", string(provider),
		"account_id", account.ID,
	)

	return updated, nil
}

// List returns the account links ordered by provider.
func (m *LinkManager) List(ctx context.Context, account *Account) ([]LinkedIdentity, error) {
	if account == nil {
		return nil, ErrUnauthenticated
	}

	if len(account.Links) == 0 {
		return nil, ErrNoSocialLogins
	}

	out := make([]LinkedIdentity, 0, len(account.Links))
	for _, link := range account.Links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Provider < out[j].Provider
	})

	return out, nil
}

func (m *LinkManager) mutate(ctx context.Context, account *Account, links map[ProviderID]LinkedIdentity) (*Account, error) {
	updated, err := m.directory.MutateLinks(ctx, account, account.Version, links)
	if err == nil {
		return updated, nil
	}

	if IsConflict(err) {
		m.logger.Warn("concurrent link mutation",
			"account_id", account.ID,
			"version", account.Version,
		)
		return nil, err
	}

	return nil, wrapFault(ErrDirectoryFault, err, "mutate links of %s", account.ID)
}
