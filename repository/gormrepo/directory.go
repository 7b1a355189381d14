// Package gormrepo implements identity.UserDirectory on top of GORM for
// deployments that already run a GORM managed database.
package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Account is the GORM model for accounts.
type Account struct {
	ID                  string         `gorm:"primaryKey;size:36"`
	Username            string         `gorm:"uniqueIndex;not null"`
	CreatedAt           time.Time      `gorm:"not null"`
	UsernameIsGenerated bool           `gorm:"column:generated_username;not null"`
	PrivateData         map[string]any `gorm:"serializer:json"`
	Version             int64          `gorm:"not null"`
	Links               []Link         `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
}

// TableName implements gorm's tabler.
func (Account) TableName() string { return "identity_accounts" }

// Link is the GORM model for a provider identity bound to an account.
type Link struct {
	ID             string         `gorm:"primaryKey;size:36"`
	AccountID      string         `gorm:"size:36;not null;uniqueIndex:idx_identity_links_account_provider"`
	Provider       string         `gorm:"not null;uniqueIndex:idx_identity_links_provider_user;uniqueIndex:idx_identity_links_account_provider"`
	ProviderUserID string         `gorm:"not null;uniqueIndex:idx_identity_links_provider_user"`
	Token          string
	TokenSecret    string
	ProfileData    map[string]any `gorm:"serializer:json"`
	LinkedAt       time.Time      `gorm:"not null"`
}

// TableName implements gorm's tabler.
func (Link) TableName() string { return "identity_links" }

// Directory implements identity.UserDirectory using GORM.
type Directory struct {
	db *gorm.DB
}

var _ identity.UserDirectory = (*Directory)(nil)

// New returns a directory backed by db.
func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// Migrate creates or updates the directory tables.
func (d *Directory) Migrate(ctx context.Context) error {
	return d.db.WithContext(ctx).AutoMigrate(&Account{}, &Link{})
}

// FindBySocialID implements identity.UserDirectory.
func (d *Directory) FindBySocialID(ctx context.Context, provider identity.ProviderID, providerUserID string) (*identity.Account, error) {
	var link Link
	err := d.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", string(provider), providerUserID).
		Take(&link).Error
	if err != nil {
		return nil, mapReadError(err)
	}
	return d.findByID(d.db.WithContext(ctx), link.AccountID)
}

// FindByUsername implements identity.UserDirectory.
func (d *Directory) FindByUsername(ctx context.Context, username string) (*identity.Account, error) {
	var record Account
	err := d.db.WithContext(ctx).
		Preload("Links").
		Where("username = ?", username).
		Take(&record).Error
	if err != nil {
		return nil, mapReadError(err)
	}
	return toAccount(&record), nil
}

// FindByID implements identity.UserDirectory.
func (d *Directory) FindByID(ctx context.Context, id string) (*identity.Account, error) {
	return d.findByID(d.db.WithContext(ctx), id)
}

func (d *Directory) findByID(tx *gorm.DB, id string) (*identity.Account, error) {
	var record Account
	if err := tx.Preload("Links").Where("id = ?", id).Take(&record).Error; err != nil {
		return nil, mapReadError(err)
	}
	return toAccount(&record), nil
}

// CreateAccountWithLink implements identity.UserDirectory.
func (d *Directory) CreateAccountWithLink(ctx context.Context, account identity.NewAccount, link identity.LinkedIdentity) (*identity.Account, error) {
	record := &Account{
		ID:                  uuid.NewString(),
		Username:            account.Username,
		CreatedAt:           identity.CredentialTime(account.CreatedAt),
		UsernameIsGenerated: account.UsernameIsGenerated,
		PrivateData:         account.PrivateData,
		Version:             1,
	}
	if record.PrivateData == nil {
		record.PrivateData = map[string]any{}
	}

	var created *identity.Account
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(record).Error; err != nil {
			return mapWriteError(err, "insert account")
		}
		if err := tx.Create(fromLink(record.ID, link)).Error; err != nil {
			return mapWriteError(err, "insert link")
		}

		var err error
		created, err = d.findByID(tx, record.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MutateLinks implements identity.UserDirectory.
func (d *Directory) MutateLinks(ctx context.Context, account *identity.Account, expectedVersion int64, links map[identity.ProviderID]identity.LinkedIdentity) (*identity.Account, error) {
	if account == nil {
		return nil, identity.ErrAccountNotFound
	}

	var updated *identity.Account
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).
			Where("id = ? AND version = ?", account.ID, expectedVersion).
			Update("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return mapWriteError(res.Error, "bump version")
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: account %s is not at version %d", identity.ErrConflict, account.ID, expectedVersion)
		}

		var current []Link
		if err := tx.Where("account_id = ?", account.ID).Find(&current).Error; err != nil {
			return err
		}

		for _, row := range current {
			next, keep := links[identity.ProviderID(row.Provider)]
			if keep && next.ProviderUserID == row.ProviderUserID {
				continue
			}
			if err := tx.Delete(&Link{}, "id = ?", row.ID).Error; err != nil {
				return mapWriteError(err, "delete link")
			}
		}

		for provider, link := range links {
			record := fromLink(account.ID, link)

			var owner Link
			err := tx.Select("account_id").Where("id = ?", record.ID).Take(&owner).Error
			switch {
			case err == nil && owner.AccountID != account.ID:
				return fmt.Errorf("%w: %s identity owned by another account", identity.ErrConflict, provider)
			case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}

			if err := upsertLink(tx, provider, record); err != nil {
				return err
			}
		}

		var err error
		updated, err = d.findByID(tx, account.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// upsertLink inserts record or refreshes its tokens. A row owned by another
// account is left untouched and reported as a conflict.
func upsertLink(tx *gorm.DB, provider identity.ProviderID, record *Link) error {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "token_secret", "profile_data"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "identity_links.account_id = excluded.account_id"},
		}},
	}).Create(record)
	if res.Error != nil {
		return mapWriteError(res.Error, "upsert link")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s identity owned by another account", identity.ErrConflict, provider)
	}
	return nil
}

func toAccount(m *Account) *identity.Account {
	account := &identity.Account{
		ID:                  m.ID,
		Username:            m.Username,
		CreatedAt:           identity.CredentialTime(m.CreatedAt),
		UsernameIsGenerated: m.UsernameIsGenerated,
		PrivateData:         m.PrivateData,
		Version:             m.Version,
		Links:               make(map[identity.ProviderID]identity.LinkedIdentity, len(m.Links)),
	}
	for _, l := range m.Links {
		account.Links[identity.ProviderID(l.Provider)] = identity.LinkedIdentity{
			Provider:       identity.ProviderID(l.Provider),
			ProviderUserID: l.ProviderUserID,
			Token:          l.Token,
			TokenSecret:    l.TokenSecret,
			ProfileData:    l.ProfileData,
			LinkedAt:       l.LinkedAt.UTC(),
		}
	}
	return account
}

func fromLink(accountID string, link identity.LinkedIdentity) *Link {
	linkedAt := link.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = time.Now()
	}
	profile := link.ProfileData
	if profile == nil {
		profile = map[string]any{}
	}
	return &Link{
		ID:             repository.LinkID(link.Provider, link.ProviderUserID).String(),
		AccountID:      accountID,
		Provider:       string(link.Provider),
		ProviderUserID: link.ProviderUserID,
		Token:          link.Token,
		TokenSecret:    link.TokenSecret,
		ProfileData:    profile,
		LinkedAt:       linkedAt.UTC(),
	}
}

func mapReadError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", identity.ErrAccountNotFound, err)
	}
	return err
}

func mapWriteError(err error, op string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return fmt.Errorf("%w: %s: %w", identity.ErrConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
