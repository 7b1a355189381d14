package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, dir *memoryDirectory, provider ProviderID, providerUserID string) *Account {
	t.Helper()
	account, err := NewAccountMaterializer(dir, NewIdentityResolver(dir), WithMaterializerLogger(nopLogger{})).
		Create(context.Background(), IdentityAssertion{
			Provider:       provider,
			ProviderUserID: providerUserID,
			Token:          "T-" + providerUserID,
			TokenSecret:    "S-" + providerUserID,
		})
	require.NoError(t, err)
	return account
}

func TestLinkAddsProvider(t *testing.T) {
	dir := newMemoryDirectory()
	links := NewLinkManager(dir, nil, nopLogger{})
	account := seedAccount(t, dir, "google", "g123")

	updated, err := links.Link(context.Background(), account, IdentityAssertion{
		Provider: "github", ProviderUserID: "42", Token: "gh", TokenSecret: "gh",
	})
	require.NoError(t, err)
	assert.Equal(t, []ProviderID{"github", "google"}, updated.LinkedProviders())
	assert.Equal(t, account.Version+1, updated.Version)

	owner, err := NewIdentityResolver(dir).ResolveIdentity(context.Background(), "github", "42")
	require.NoError(t, err)
	assert.Equal(t, account.ID, owner.ID)
}

func TestLinkRefreshesOwnIdentity(t *testing.T) {
	dir := newMemoryDirectory()
	links := NewLinkManager(dir, nil, nopLogger{})
	account := seedAccount(t, dir, "google", "g123")
	linkedAt := account.Links["google"].LinkedAt

	updated, err := links.Link(context.Background(), account, IdentityAssertion{
		Provider: "google", ProviderUserID: "g123", Token: "fresh", TokenSecret: "fresh-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", updated.Links["google"].Token)
	assert.Equal(t, linkedAt, updated.Links["google"].LinkedAt)
	assert.Len(t, updated.Links, 1)
}

func TestLinkAlreadyOwnedElsewhereMutatesNothing(t *testing.T) {
	dir := newMemoryDirectory()
	links := NewLinkManager(dir, nil, nopLogger{})
	owner := seedAccount(t, dir, "google", "g123")
	other := seedAccount(t, dir, "github", "42")

	_, err := links.Link(context.Background(), other, IdentityAssertion{
		Provider: "google", ProviderUserID: "g123", Token: "T", TokenSecret: "S",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyLinked))
	assert.Equal(t, 0, dir.mutates)

	reloadedOwner, err := dir.FindByID(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Equal(t, owner.Version, reloadedOwner.Version)
	assert.Equal(t, "T-g123", reloadedOwner.Links["google"].Token)

	reloadedOther, err := dir.FindByID(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, []ProviderID{"github"}, reloadedOther.LinkedProviders())
}

func TestLinkStaleAccountConflicts(t *testing.T) {
	dir := newMemoryDirectory()
	links := NewLinkManager(dir, nil, nopLogger{})
	account := seedAccount(t, dir, "google", "g123")

	_, err := links.Link(context.Background(), account, IdentityAssertion{
		Provider: "github", ProviderUserID: "42", Token: "gh", TokenSecret: "gh",
	})
	require.NoError(t, err)

	_, err = links.Link(context.Background(), account, IdentityAssertion{
		Provider: "twitter", ProviderUserID: "7", Token: "tw", TokenSecret: "tw",
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestLinkDirectoryFailure(t *testing.T) {
	dir := newMemoryDirectory()
	links := NewLinkManager(dir, nil, nopLogger{})
	account := seedAccount(t, dir, "google", "g123")
	dir.mutateErr = errors.New("timeout")

	_, err := links.Link(context.Background(), account, IdentityAssertion{
		Provider: "github", ProviderUserID: "42", Token: "gh", TokenSecret: "gh",
	})
	assert.True(t, IsFault(err, ErrDirectoryFault))
}

func TestUnlinkRules(t *testing.T) {
	ctx := context.Background()

	t.Run("last link of generated account", func(t *testing.T) {
		dir := newMemoryDirectory()
		account := seedAccount(t, dir, "google", "g123")

		_, err := NewLinkManager(dir, nil, nopLogger{}).Unlink(ctx, account, "google")
		assert.True(t, errors.Is(err, ErrLastLink))
		assert.Equal(t, 0, dir.mutates)
	})

	t.Run("not linked", func(t *testing.T) {
		dir := newMemoryDirectory()
		account := seedAccount(t, dir, "google", "g123")

		_, err := NewLinkManager(dir, nil, nopLogger{}).Unlink(ctx, account, "github")
		assert.True(t, errors.Is(err, ErrNotLinked))
	})

	t.Run("one of several links", func(t *testing.T) {
		dir := newMemoryDirectory()
		links := NewLinkManager(dir, nil, nopLogger{})
		account := seedAccount(t, dir, "google", "g123")
		account, err := links.Link(ctx, account, IdentityAssertion{
			Provider: "github", ProviderUserID: "42", Token: "gh", TokenSecret: "gh",
		})
		require.NoError(t, err)

		updated, err := links.Unlink(ctx, account, "google")
		require.NoError(t, err)
		assert.Equal(t, []ProviderID{"github"}, updated.LinkedProviders())

		owner, err := NewIdentityResolver(dir).ResolveIdentity(ctx, "google", "g123")
		require.NoError(t, err)
		assert.Nil(t, owner)
	})

	t.Run("last link of chosen username", func(t *testing.T) {
		dir := newMemoryDirectory()
		account := seedAccount(t, dir, "google", "g123")
		dir.mu.Lock()
		dir.accounts[account.ID].UsernameIsGenerated = false
		dir.mu.Unlock()
		account.UsernameIsGenerated = false

		updated, err := NewLinkManager(dir, nil, nopLogger{}).Unlink(ctx, account, "google")
		require.NoError(t, err)
		assert.Empty(t, updated.Links)
	})
}

func TestListLinks(t *testing.T) {
	dir := newMemoryDirectory()
	links := NewLinkManager(dir, nil, nopLogger{})
	account := seedAccount(t, dir, "google", "g123")
	account, err := links.Link(context.Background(), account, IdentityAssertion{
		Provider: "github", ProviderUserID: "42", Token: "gh", TokenSecret: "gh",
	})
	require.NoError(t, err)

	list, err := links.List(context.Background(), account)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ProviderID("github"), list[0].Provider)
	assert.Equal(t, ProviderID("google"), list[1].Provider)

	_, err = links.List(context.Background(), &Account{ID: "empty"})
	assert.True(t, errors.Is(err, ErrNoSocialLogins))

	_, err = links.List(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}
