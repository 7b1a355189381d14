package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccountMaterializer creates the account of a first seen provider identity.
type AccountMaterializer struct {
	directory   UserDirectory
	resolver    *IdentityResolver
	now         func() time.Time
	newUsername func() string
	logger      Logger
}

// MaterializerOption configures an AccountMaterializer.
type MaterializerOption func(*AccountMaterializer)

// WithMaterializerClock overrides the creation time source.
func WithMaterializerClock(now func() time.Time) MaterializerOption {
	return func(m *AccountMaterializer) {
		if now != nil {
			m.now = now
		}
	}
}

// WithUsernameGenerator overrides how generated usernames are produced.
func WithUsernameGenerator(gen func() string) MaterializerOption {
	return func(m *AccountMaterializer) {
		if gen != nil {
			m.newUsername = gen
		}
	}
}

// WithMaterializerLogger sets the logger.
func WithMaterializerLogger(logger Logger) MaterializerOption {
	return func(m *AccountMaterializer) {
		m.logger = logger
	}
}

// NewAccountMaterializer wires a materializer.
func NewAccountMaterializer(directory UserDirectory, resolver *IdentityResolver, opts ...MaterializerOption) *AccountMaterializer {
	m := &AccountMaterializer{
		directory:   directory,
		resolver:    resolver,
		now:         time.Now,
		newUsername: func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.logger = resolveLogger("identity.materializer", m.logger)

	return m
}

// Materialization is the outcome of a create call. Created is false when a
// concurrent caller won the race and Account is the winner's account.
type Materialization struct {
	Account *Account
	Created bool
}

// Create returns the single account of the assertion identity, creating it
// when needed.
func (m *AccountMaterializer) Create(ctx context.Context, assertion IdentityAssertion) (*Account, error) {
	result, err := m.Materialize(ctx, assertion)
	if err != nil {
		return nil, err
	}
	return result.Account, nil
}

// Materialize persists a new account with a generated username and a link
// built from the assertion. If the directory reports that the identity was
// taken in the meantime, the owner is resolved and returned instead.
func (m *AccountMaterializer) Materialize(ctx context.Context, assertion IdentityAssertion) (*Materialization, error) {
	assertion.Provider = CanonicalProviderID(assertion.Provider)
	if err := validateIdentityKey(assertion.Provider, assertion.ProviderUserID); err != nil {
		return nil, err
	}

	createdAt := CredentialTime(m.now())
	newAccount := NewAccount{
		Username:            m.newUsername(),
		CreatedAt:           createdAt,
		UsernameIsGenerated: true,
		PrivateData:         copyProfile(assertion.ProfileData),
	}

	link := linkFromAssertion(assertion, createdAt)

	account, err := m.directory.CreateAccountWithLink(ctx, newAccount, link)
	if err == nil {
		m.logger.Info("account materialized",
			"account_id", account.ID,
			"provider", string(assertion.Provider),
		)
		return &Materialization{Account: account, Created: true}, nil
	}

	if !IsConflict(err) {
		return nil, wrapFault(ErrDirectoryFault, err, "create account")
	}

	m.logger.Debug("account creation lost race, resolving winner",
		"provider", string(assertion.Provider),
	)

	winner, rerr := m.resolver.Resolve(ctx, assertion)
	if rerr != nil {
		return nil, rerr
	}
	if winner == nil {
		return nil, wrapFault(ErrConflict, err, "identity %s conflicted but has no owner", assertion.Provider)
	}

	return &Materialization{Account: winner, Created: false}, nil
}

func linkFromAssertion(assertion IdentityAssertion, linkedAt time.Time) LinkedIdentity {
	secret := assertion.TokenSecret
	if secret == "" {
		secret = assertion.Token
	}
	return LinkedIdentity{
		Provider:       assertion.Provider,
		ProviderUserID: assertion.ProviderUserID,
		Token:          assertion.Token,
		TokenSecret:    secret,
		ProfileData:    copyProfile(assertion.ProfileData),
		LinkedAt:       linkedAt,
	}
}

func copyProfile(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
