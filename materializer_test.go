package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterializeCreatesGeneratedAccount(t *testing.T) {
	dir := newMemoryDirectory()
	now := time.Date(2024, 7, 1, 10, 20, 30, 456, time.UTC)

	m := NewAccountMaterializer(dir, NewIdentityResolver(dir),
		WithMaterializerClock(func() time.Time { return now }),
		WithUsernameGenerator(func() string { return "generated-1" }),
		WithMaterializerLogger(nopLogger{}),
	)

	profile := map[string]any{"email": "user@example.com"}
	result, err := m.Materialize(context.Background(), IdentityAssertion{
		Provider:       "google",
		ProviderUserID: "g123",
		Token:          "T",
		TokenSecret:    "S",
		ProfileData:    profile,
	})
	require.NoError(t, err)
	require.True(t, result.Created)

	account := result.Account
	assert.Equal(t, "generated-1", account.Username)
	assert.True(t, account.UsernameIsGenerated)
	assert.Equal(t, CredentialTime(now), account.CreatedAt)
	assert.Equal(t, "user@example.com", account.PrivateData["email"])

	require.Len(t, account.Links, 1)
	link := account.Links["google"]
	assert.Equal(t, "g123", link.ProviderUserID)
	assert.Equal(t, "T", link.Token)
	assert.Equal(t, "S", link.TokenSecret)

	profile["email"] = "mutated@example.com"
	assert.Equal(t, "user@example.com", account.PrivateData["email"], "private data is a copy")
}

func TestMaterializeDefaultsSecretToToken(t *testing.T) {
	dir := newMemoryDirectory()
	account, err := NewAccountMaterializer(dir, NewIdentityResolver(dir)).Create(context.Background(), IdentityAssertion{
		Provider:       "github",
		ProviderUserID: "1",
		Token:          "only-token",
	})
	require.NoError(t, err)
	assert.Equal(t, "only-token", account.Links["github"].TokenSecret)
}

func TestMaterializeLosesRaceAndReturnsWinner(t *testing.T) {
	dir := newMemoryDirectory()
	resolver := NewIdentityResolver(dir)
	assertion := IdentityAssertion{Provider: "google", ProviderUserID: "g123", Token: "T", TokenSecret: "S"}

	winner, err := NewAccountMaterializer(dir, resolver).Create(context.Background(), assertion)
	require.NoError(t, err)

	result, err := NewAccountMaterializer(dir, resolver).Materialize(context.Background(), assertion)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, winner.ID, result.Account.ID)
	assert.Equal(t, 1, dir.count())
}

func TestMaterializeParallelCreatesOneAccount(t *testing.T) {
	dir := newMemoryDirectory()
	m := NewAccountMaterializer(dir, NewIdentityResolver(dir), WithMaterializerLogger(nopLogger{}))
	assertion := IdentityAssertion{Provider: "google", ProviderUserID: "g123", Token: "T", TokenSecret: "S"}

	const callers = 32
	var (
		wg      sync.WaitGroup
		results = make([]*Materialization, callers)
		errs    = make([]error, callers)
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Materialize(context.Background(), assertion)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Account.ID, results[i].Account.ID)
		if results[i].Created {
			created++
		}
	}

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, dir.count())
}

func TestMaterializeInfrastructureFailure(t *testing.T) {
	dir := newMemoryDirectory()
	dir.createErr = errors.New("disk full")

	_, err := NewAccountMaterializer(dir, NewIdentityResolver(dir)).Materialize(context.Background(), IdentityAssertion{
		Provider: "google", ProviderUserID: "g123", Token: "T", TokenSecret: "S",
	})
	require.Error(t, err)
	assert.True(t, IsFault(err, ErrDirectoryFault))
	assert.False(t, IsConflict(err))
}

func TestMaterializeConflictWithoutOwner(t *testing.T) {
	dir := newMemoryDirectory()
	dir.createErr = ErrConflict

	_, err := NewAccountMaterializer(dir, NewIdentityResolver(dir)).Materialize(context.Background(), IdentityAssertion{
		Provider: "google", ProviderUserID: "g123", Token: "T", TokenSecret: "S",
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}
