package repository

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/mattn/go-sqlite3"
)

func setupDirectory(t *testing.T) *AccountDirectory {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	bunDB := bun.NewDB(db, sqlitedialect.New())
	require.NoError(t, CreateSchema(context.Background(), bunDB))

	t.Cleanup(func() {
		_ = bunDB.Close()
	})

	return NewAccountDirectory(bunDB)
}

func newAccount(username string) identity.NewAccount {
	return identity.NewAccount{
		Username:            username,
		CreatedAt:           time.Date(2024, 3, 5, 7, 8, 9, 123, time.UTC),
		UsernameIsGenerated: true,
		PrivateData:         map[string]any{"email": username + "@example.com"},
	}
}

func newLink(provider identity.ProviderID, id string) identity.LinkedIdentity {
	return identity.LinkedIdentity{
		Provider:       provider,
		ProviderUserID: id,
		Token:          "tok-" + id,
		TokenSecret:    "sec-" + id,
		ProfileData:    map[string]any{"name": "user " + id},
		LinkedAt:       time.Now().UTC(),
	}
}

func TestAccountDirectoryCreateAndFind(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	created, err := dir.CreateAccountWithLink(ctx, newAccount("alice"), newLink("google", "g123"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, int64(1), created.Version)
	assert.True(t, created.UsernameIsGenerated)
	assert.Equal(t, time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC), created.CreatedAt)
	assert.Equal(t, "alice@example.com", created.PrivateData["email"])

	link, ok := created.Links["google"]
	require.True(t, ok)
	assert.Equal(t, "g123", link.ProviderUserID)
	assert.Equal(t, "tok-g123", link.Token)
	assert.Equal(t, "sec-g123", link.TokenSecret)
	assert.Equal(t, "user g123", link.ProfileData["name"])

	bySocial, err := dir.FindBySocialID(ctx, "google", "g123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySocial.ID)

	byName, err := dir.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
	assert.True(t, byName.HasLink("google"))

	byID, err := dir.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
}

func TestAccountDirectoryNotFound(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	_, err := dir.FindBySocialID(ctx, "google", "missing")
	assert.True(t, identity.IsAccountNotFound(err))

	_, err = dir.FindByUsername(ctx, "nobody")
	assert.True(t, identity.IsAccountNotFound(err))

	_, err = dir.FindByID(ctx, uuid.NewString())
	assert.True(t, identity.IsAccountNotFound(err))

	_, err = dir.FindByID(ctx, "not-a-uuid")
	assert.True(t, identity.IsAccountNotFound(err))
}

func TestAccountDirectoryCreateConflict(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	_, err := dir.CreateAccountWithLink(ctx, newAccount("alice"), newLink("google", "g123"))
	require.NoError(t, err)

	_, err = dir.CreateAccountWithLink(ctx, newAccount("bob"), newLink("google", "g123"))
	require.Error(t, err)
	assert.True(t, identity.IsConflict(err))

	_, err = dir.FindByUsername(ctx, "bob")
	assert.True(t, identity.IsAccountNotFound(err), "account row must roll back with its link")

	_, err = dir.CreateAccountWithLink(ctx, newAccount("alice"), newLink("github", "1"))
	require.Error(t, err)
	assert.True(t, identity.IsConflict(err))
}

func TestAccountDirectoryMutateLinks(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	account, err := dir.CreateAccountWithLink(ctx, newAccount("alice"), newLink("google", "g123"))
	require.NoError(t, err)

	links := map[identity.ProviderID]identity.LinkedIdentity{
		"google": account.Links["google"],
		"github": newLink("github", "42"),
	}

	updated, err := dir.MutateLinks(ctx, account, account.Version, links)
	require.NoError(t, err)
	assert.Equal(t, account.Version+1, updated.Version)
	assert.Equal(t, []identity.ProviderID{"github", "google"}, updated.LinkedProviders())

	owner, err := dir.FindBySocialID(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, account.ID, owner.ID)

	_, err = dir.MutateLinks(ctx, account, account.Version, map[identity.ProviderID]identity.LinkedIdentity{})
	require.Error(t, err)
	assert.True(t, identity.IsConflict(err), "stale version must be rejected")

	removed, err := dir.MutateLinks(ctx, updated, updated.Version, map[identity.ProviderID]identity.LinkedIdentity{
		"github": updated.Links["github"],
	})
	require.NoError(t, err)
	assert.Equal(t, []identity.ProviderID{"github"}, removed.LinkedProviders())

	_, err = dir.FindBySocialID(ctx, "google", "g123")
	assert.True(t, identity.IsAccountNotFound(err))
}

func TestAccountDirectoryMutateLinksRejectsForeignIdentity(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	alice, err := dir.CreateAccountWithLink(ctx, newAccount("alice"), newLink("google", "g123"))
	require.NoError(t, err)
	bob, err := dir.CreateAccountWithLink(ctx, newAccount("bob"), newLink("github", "7"))
	require.NoError(t, err)

	links := map[identity.ProviderID]identity.LinkedIdentity{
		"github": bob.Links["github"],
		"google": newLink("google", "g123"),
	}

	_, err = dir.MutateLinks(ctx, bob, bob.Version, links)
	require.Error(t, err)
	assert.True(t, identity.IsConflict(err))

	owner, err := dir.FindBySocialID(ctx, "google", "g123")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner.ID)

	assert.Equal(t, "tok-g123", owner.Links["google"].Token)
	assert.Equal(t, "sec-g123", owner.Links["google"].TokenSecret)

	reloaded, err := dir.FindByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.Version, reloaded.Version)
	assert.Equal(t, []identity.ProviderID{"github"}, reloaded.LinkedProviders())
}

func TestUpsertLinkLeavesForeignRowUntouched(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	alice, err := dir.CreateAccountWithLink(ctx, newAccount("alice"), newLink("google", "g123"))
	require.NoError(t, err)
	bob, err := dir.CreateAccountWithLink(ctx, newAccount("bob"), newLink("github", "7"))
	require.NoError(t, err)

	stolen := newLink("google", "g123")
	stolen.Token = "bob-token"
	stolen.TokenSecret = "bob-secret"

	err = upsertLink(ctx, dir.db, "google", fromLink(uuid.MustParse(bob.ID), stolen))
	require.Error(t, err)
	assert.True(t, identity.IsConflict(err))

	owner, err := dir.FindBySocialID(ctx, "google", "g123")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner.ID)
	assert.Equal(t, "tok-g123", owner.Links["google"].Token)
	assert.Equal(t, "sec-g123", owner.Links["google"].TokenSecret)

	refreshed := newLink("google", "g123")
	refreshed.Token = "alice-2"
	require.NoError(t, upsertLink(ctx, dir.db, "google", fromLink(uuid.MustParse(alice.ID), refreshed)))

	owner, err = dir.FindBySocialID(ctx, "google", "g123")
	require.NoError(t, err)
	assert.Equal(t, "alice-2", owner.Links["google"].Token)
}

func TestParallelMaterializeCreatesOneAccount(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	materializer := identity.NewAccountMaterializer(dir, identity.NewIdentityResolver(dir))
	assertion := identity.IdentityAssertion{
		Provider:       "google",
		ProviderUserID: "g123",
		Token:          "T",
		TokenSecret:    "S",
		ProfileData:    map[string]any{"email": "user@example.com"},
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		created int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := materializer.Materialize(ctx, assertion)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[result.Account.ID]++
			if result.Created {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	count, err := dir.db.NewSelect().Model((*AccountModel)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLinkIDIsDeterministic(t *testing.T) {
	a := LinkID("google", "g123")
	b := LinkID("google", "g123")
	c := LinkID("github", "g123")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, uuid.Nil, a)
}
