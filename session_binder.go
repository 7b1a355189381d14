package identity

import (
	"context"
	"strings"
)

// SessionBinder exchanges an account for a session token.
type SessionBinder struct {
	issuer  SessionIssuer
	deriver *CredentialDeriver
	appCode string
}

// NewSessionBinder creates a binder that issues tokens for appCode.
func NewSessionBinder(issuer SessionIssuer, deriver *CredentialDeriver, appCode string) *SessionBinder {
	return &SessionBinder{
		issuer:  issuer,
		deriver: deriver,
		appCode: appCode,
	}
}

// Bind recomputes the account credential and hands it to the issuer together
// with the username.
func (b *SessionBinder) Bind(ctx context.Context, account *Account) (string, error) {
	if account == nil || strings.TrimSpace(account.Username) == "" {
		return "", ErrProfile
	}

	credential := b.deriver.Derive(account.Username, account.CreatedAt)

	token, err := b.issuer.Issue(ctx, b.appCode, account.Username, credential)
	if err != nil {
		return "", wrapFault(ErrIssuance, err, "issue session for %s", account.Username)
	}
	if token == "" {
		return "", wrapFault(ErrIssuance, nil, "issuer returned an empty token")
	}

	return token, nil
}
