package sessionware_test

import (
	"context"
	"errors"
	"testing"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/middleware/sessionware"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type authFunc func(ctx context.Context, token string) (*identity.Account, error)

func (f authFunc) Authenticate(ctx context.Context, token string) (*identity.Account, error) {
	return f(ctx, token)
}

func tokenAuth(valid string, account *identity.Account) authFunc {
	return func(_ context.Context, token string) (*identity.Account, error) {
		if token != valid {
			return nil, identity.ErrUnauthenticated
		}
		return account, nil
	}
}

func TestSessionware_SessionHeader(t *testing.T) {
	account := &identity.Account{ID: "1", Username: "u-1"}

	var seen *identity.Account
	handler := func(ctx router.Context) error {
		seen = account
		return nil
	}

	mw := sessionware.New(sessionware.Config{
		Authenticator: tokenAuth("tok", account),
		ErrorHandler: func(c router.Context, err error) error {
			return err
		},
	})

	ctx := router.NewMockContext()
	ctx.On("Context").Return(context.Background())
	ctx.On("GetString", "X-BB-SESSION", "").Return("tok")
	ctx.On("Locals", "account", account).Return(nil)

	err := mw(handler)(ctx)
	require.NoError(t, err)
	assert.Same(t, account, seen)
	ctx.AssertCalled(t, "Locals", "account", account)
}

func TestSessionware_BearerFallback(t *testing.T) {
	account := &identity.Account{ID: "1", Username: "u-1"}
	called := false

	mw := sessionware.New(sessionware.Config{
		Authenticator: tokenAuth("tok", account),
		ErrorHandler: func(c router.Context, err error) error {
			return err
		},
	})

	ctx := router.NewMockContext()
	ctx.On("Context").Return(context.Background())
	ctx.On("GetString", "X-BB-SESSION", "").Return("")
	ctx.On("GetString", router.HeaderAuthorization, "").Return("Bearer tok")
	ctx.On("Locals", "account", mock.Anything).Return(nil)

	err := mw(func(router.Context) error {
		called = true
		return nil
	})(ctx)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestSessionware_MissingToken(t *testing.T) {
	mw := sessionware.New(sessionware.Config{
		Authenticator: tokenAuth("tok", nil),
		ErrorHandler: func(c router.Context, err error) error {
			return err
		},
	})

	ctx := router.NewMockContext()
	ctx.On("GetString", "X-BB-SESSION", "").Return("")
	ctx.On("GetString", router.HeaderAuthorization, "").Return("Basic abc")

	err := mw(func(router.Context) error {
		t.Fatal("handler must not run")
		return nil
	})(ctx)
	assert.True(t, errors.Is(err, sessionware.ErrSessionMissing))
}

func TestSessionware_InvalidToken(t *testing.T) {
	mw := sessionware.New(sessionware.Config{
		Authenticator: tokenAuth("tok", nil),
		ErrorHandler: func(c router.Context, err error) error {
			return err
		},
	})

	ctx := router.NewMockContext()
	ctx.On("Context").Return(context.Background())
	ctx.On("GetString", "X-BB-SESSION", "").Return("forged")

	err := mw(func(router.Context) error { return nil })(ctx)
	assert.True(t, identity.IsFault(err, identity.ErrUnauthenticated))
}

func TestSessionware_Filter(t *testing.T) {
	mw := sessionware.New(sessionware.Config{
		Authenticator: tokenAuth("tok", nil),
		Filter:        func(router.Context) bool { return true },
	})

	called := false
	err := mw(func(router.Context) error {
		called = true
		return nil
	})(router.NewMockContext())
	require.NoError(t, err)
	assert.True(t, called)
}

func TestAccountContextRoundTrip(t *testing.T) {
	account := &identity.Account{ID: "1"}
	ctx := sessionware.WithAccount(context.Background(), account)

	got, ok := sessionware.AccountFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, account, got)

	_, ok = sessionware.AccountFromContext(context.Background())
	assert.False(t, ok)
}

func TestGetDefaultConfigRequiresAuthenticator(t *testing.T) {
	assert.Panics(t, func() {
		sessionware.GetDefaultConfig(sessionware.Config{})
	})
}
