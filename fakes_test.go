package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// memoryDirectory is an in-memory UserDirectory with the same uniqueness
// and versioning rules as the SQL directories.
type memoryDirectory struct {
	mu       sync.Mutex
	accounts map[string]*Account
	owners   map[string]string

	findErr   error
	createErr error
	mutateErr error

	creates int
	mutates int
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{
		accounts: make(map[string]*Account),
		owners:   make(map[string]string),
	}
}

func identityKey(provider ProviderID, providerUserID string) string {
	return string(provider) + "\x00" + providerUserID
}

func cloneAccount(a *Account) *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.Links = a.cloneLinks()
	return &out
}

func (d *memoryDirectory) FindBySocialID(_ context.Context, provider ProviderID, providerUserID string) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.findErr != nil {
		return nil, d.findErr
	}

	id, ok := d.owners[identityKey(provider, providerUserID)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(d.accounts[id]), nil
}

func (d *memoryDirectory) FindByUsername(_ context.Context, username string) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, a := range d.accounts {
		if a.Username == username {
			return cloneAccount(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (d *memoryDirectory) FindByID(_ context.Context, id string) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (d *memoryDirectory) CreateAccountWithLink(_ context.Context, account NewAccount, link LinkedIdentity) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.createErr != nil {
		return nil, d.createErr
	}

	key := identityKey(link.Provider, link.ProviderUserID)
	if _, taken := d.owners[key]; taken {
		return nil, fmt.Errorf("%w: identity taken", ErrConflict)
	}
	for _, a := range d.accounts {
		if a.Username == account.Username {
			return nil, fmt.Errorf("%w: username taken", ErrConflict)
		}
	}

	created := &Account{
		ID:                  uuid.NewString(),
		Username:            account.Username,
		CreatedAt:           CredentialTime(account.CreatedAt),
		UsernameIsGenerated: account.UsernameIsGenerated,
		PrivateData:         account.PrivateData,
		Version:             1,
		Links:               map[ProviderID]LinkedIdentity{link.Provider: link},
	}
	d.accounts[created.ID] = created
	d.owners[key] = created.ID
	d.creates++

	return cloneAccount(created), nil
}

func (d *memoryDirectory) MutateLinks(_ context.Context, account *Account, expectedVersion int64, links map[ProviderID]LinkedIdentity) (*Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mutateErr != nil {
		return nil, d.mutateErr
	}

	stored, ok := d.accounts[account.ID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if stored.Version != expectedVersion {
		return nil, fmt.Errorf("%w: version %d != %d", ErrConflict, stored.Version, expectedVersion)
	}

	for provider, link := range links {
		if owner, taken := d.owners[identityKey(provider, link.ProviderUserID)]; taken && owner != stored.ID {
			return nil, fmt.Errorf("%w: identity owned elsewhere", ErrConflict)
		}
	}

	for provider, link := range stored.Links {
		delete(d.owners, identityKey(provider, link.ProviderUserID))
	}

	stored.Links = make(map[ProviderID]LinkedIdentity, len(links))
	for provider, link := range links {
		stored.Links[provider] = link
		d.owners[identityKey(provider, link.ProviderUserID)] = stored.ID
	}
	stored.Version++
	d.mutates++

	return cloneAccount(stored), nil
}

func (d *memoryDirectory) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accounts)
}

// stubProvider answers UserInfo from a token to profile table.
type stubProvider struct {
	mu       sync.Mutex
	profiles map[string]*ProviderProfile
	token    ProviderToken
	authURL  string

	userInfoErr error
	exchangeErr error

	userInfoCalls int
}

func (p *stubProvider) AuthorizationURL(_ context.Context, session HandshakeSession) (string, error) {
	if p.authURL == "" {
		return "", errors.New("no auth url")
	}
	session.Set(HandshakeCodeVerifierKey, "verifier")
	return p.authURL + "?state=" + session.Get(HandshakeStateKey), nil
}

func (p *stubProvider) RequestAccessToken(_ context.Context, req CallbackRequest, _ HandshakeSession) (ProviderToken, error) {
	if p.exchangeErr != nil {
		return ProviderToken{}, p.exchangeErr
	}
	if req.Query.Get("code") == "" {
		return ProviderToken{}, &ProviderError{Operation: "exchange", Code: "missing_code"}
	}
	return p.token, nil
}

func (p *stubProvider) UserInfo(_ context.Context, token ProviderToken) (*ProviderProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.userInfoCalls++
	if p.userInfoErr != nil {
		return nil, p.userInfoErr
	}
	profile, ok := p.profiles[token.Token]
	if !ok {
		return nil, &ProviderError{Operation: "user_info", Status: 401, Code: "invalid_token"}
	}
	return profile, nil
}

// stubIssuer checks the credential the way a real issuer would and hands out
// numbered tokens.
type stubIssuer struct {
	mu      sync.Mutex
	secret  []byte
	dir     *memoryDirectory
	err     error
	issued  []string
	owners  map[string]string
	appCode string
}

func (s *stubIssuer) Issue(ctx context.Context, appCode, username, credential string) (string, error) {
	if s.err != nil {
		return "", s.err
	}

	account, err := s.dir.FindByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if DeriveCredential(account.Username, account.CreatedAt, s.secret) != credential {
		return "", errors.New("bad credential")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appCode = appCode
	token := fmt.Sprintf("session-%s-%d", username, len(s.issued)+1)
	s.issued = append(s.issued, token)
	if s.owners == nil {
		s.owners = make(map[string]string)
	}
	s.owners[token] = username
	return token, nil
}

func (s *stubIssuer) Verify(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.owners[token]
	if !ok {
		return "", errors.New("unknown session")
	}
	return username, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []ActivityEvent
	err    error
}

func (s *recordingSink) Record(_ context.Context, event ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) types() []ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
