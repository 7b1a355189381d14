package repository

import (
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountModel is the Bun model for accounts.
type AccountModel struct {
	bun.BaseModel `bun:"table:identity_accounts,alias:acc"`

	ID                  uuid.UUID      `bun:"id,pk,type:uuid"`
	Username            string         `bun:"username,notnull,unique"`
	CreatedAt           time.Time      `bun:"created_at,notnull"`
	UsernameIsGenerated bool           `bun:"generated_username,notnull"`
	PrivateData         map[string]any `bun:"private_data,type:jsonb"`
	Version             int64          `bun:"version,notnull"`

	Links []*LinkModel `bun:"rel:has-many,join:id=account_id"`
}

// LinkModel is the Bun model for the provider identities linked to an account.
// (provider, provider_user_id) is unique across all accounts.
type LinkModel struct {
	bun.BaseModel `bun:"table:identity_links,alias:lnk"`

	ID             uuid.UUID      `bun:"id,pk,type:uuid"`
	AccountID      uuid.UUID      `bun:"account_id,notnull,type:uuid"`
	Provider       string         `bun:"provider,notnull"`
	ProviderUserID string         `bun:"provider_user_id,notnull"`
	Token          string         `bun:"token"`
	TokenSecret    string         `bun:"token_secret"`
	ProfileData    map[string]any `bun:"profile_data,type:jsonb"`
	LinkedAt       time.Time      `bun:"linked_at,notnull"`
}

func toAccount(m *AccountModel) *identity.Account {
	if m == nil {
		return nil
	}

	account := &identity.Account{
		ID:                  m.ID.String(),
		Username:            m.Username,
		CreatedAt:           identity.CredentialTime(m.CreatedAt),
		UsernameIsGenerated: m.UsernameIsGenerated,
		PrivateData:         m.PrivateData,
		Version:             m.Version,
		Links:               make(map[identity.ProviderID]identity.LinkedIdentity, len(m.Links)),
	}

	for _, l := range m.Links {
		if l == nil {
			continue
		}
		link := toLink(l)
		account.Links[link.Provider] = link
	}

	return account
}

func toLink(m *LinkModel) identity.LinkedIdentity {
	return identity.LinkedIdentity{
		Provider:       identity.ProviderID(m.Provider),
		ProviderUserID: m.ProviderUserID,
		Token:          m.Token,
		TokenSecret:    m.TokenSecret,
		ProfileData:    m.ProfileData,
		LinkedAt:       m.LinkedAt.UTC(),
	}
}

func fromLink(accountID uuid.UUID, link identity.LinkedIdentity) *LinkModel {
	profile := link.ProfileData
	if profile == nil {
		profile = map[string]any{}
	}

	linkedAt := link.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = time.Now()
	}

	return &LinkModel{
		ID:             LinkID(link.Provider, link.ProviderUserID),
		AccountID:      accountID,
		Provider:       string(link.Provider),
		ProviderUserID: link.ProviderUserID,
		Token:          link.Token,
		TokenSecret:    link.TokenSecret,
		ProfileData:    profile,
		LinkedAt:       linkedAt.UTC(),
	}
}
