package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// AccountDirectory implements identity.UserDirectory on top of Bun.
type AccountDirectory struct {
	db       *bun.DB
	accounts repository.Repository[*AccountModel]
}

var (
	_ identity.UserDirectory        = (*AccountDirectory)(nil)
	_ repository.TransactionManager = (*AccountDirectory)(nil)
)

// NewAccountDirectory creates a directory backed by db.
func NewAccountDirectory(db *bun.DB) *AccountDirectory {
	accounts := repository.NewRepository[*AccountModel](db, repository.ModelHandlers[*AccountModel]{
		NewRecord: func() *AccountModel { return &AccountModel{} },
		GetID: func(m *AccountModel) uuid.UUID {
			if m == nil {
				return uuid.Nil
			}
			return m.ID
		},
		SetID: func(m *AccountModel, id uuid.UUID) {
			if m != nil {
				m.ID = id
			}
		},
		GetIdentifier: func() string {
			return "username"
		},
	})

	return &AccountDirectory{
		db:       db,
		accounts: accounts,
	}
}

// RunInTx runs f inside a transaction unless ctx is already done.
func (d *AccountDirectory) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return d.db.RunInTx(ctx, opts, f)
	}
}

// FindBySocialID returns the account owning (provider, providerUserID).
func (d *AccountDirectory) FindBySocialID(ctx context.Context, provider identity.ProviderID, providerUserID string) (*identity.Account, error) {
	var link LinkModel
	err := d.db.NewSelect().
		Model(&link).
		Where("?TableAlias.provider = ? AND ?TableAlias.provider_user_id = ?", string(provider), providerUserID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapReadError(err)
	}

	return d.findByIDTx(ctx, d.db, link.AccountID)
}

// FindByUsername returns the account with username.
func (d *AccountDirectory) FindByUsername(ctx context.Context, username string) (*identity.Account, error) {
	record, err := d.accounts.GetByIdentifier(ctx, username)
	if err != nil {
		return nil, mapReadError(err)
	}

	return d.findByIDTx(ctx, d.db, record.ID)
}

// FindByID returns the account with id.
func (d *AccountDirectory) FindByID(ctx context.Context, id string) (*identity.Account, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, identity.ErrAccountNotFound
	}
	return d.findByIDTx(ctx, d.db, parsed)
}

func (d *AccountDirectory) findByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*identity.Account, error) {
	record := &AccountModel{}
	err := tx.NewSelect().
		Model(record).
		Relation("Links").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapReadError(err)
	}
	return toAccount(record), nil
}

// CreateAccountWithLink inserts the account and its first link in one
// transaction. A taken username or provider identity yields ErrConflict.
func (d *AccountDirectory) CreateAccountWithLink(ctx context.Context, account identity.NewAccount, link identity.LinkedIdentity) (*identity.Account, error) {
	privateData := account.PrivateData
	if privateData == nil {
		privateData = map[string]any{}
	}

	record := &AccountModel{
		ID:                  uuid.New(),
		Username:            account.Username,
		CreatedAt:           identity.CredentialTime(account.CreatedAt),
		UsernameIsGenerated: account.UsernameIsGenerated,
		PrivateData:         privateData,
		Version:             1,
	}

	var created *identity.Account
	err := d.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return mapWriteError(err, "insert account")
		}

		if _, err := tx.NewInsert().Model(fromLink(record.ID, link)).Exec(ctx); err != nil {
			return mapWriteError(err, "insert link")
		}

		var err error
		created, err = d.findByIDTx(ctx, tx, record.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// MutateLinks replaces the links of account when its stored version equals
// expectedVersion and bumps the version.
func (d *AccountDirectory) MutateLinks(ctx context.Context, account *identity.Account, expectedVersion int64, links map[identity.ProviderID]identity.LinkedIdentity) (*identity.Account, error) {
	if account == nil {
		return nil, identity.ErrAccountNotFound
	}

	accountID, err := uuid.Parse(account.ID)
	if err != nil {
		return nil, identity.ErrAccountNotFound
	}

	var updated *identity.Account
	err = d.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*AccountModel)(nil)).
			Set("version = version + 1").
			Where("id = ? AND version = ?", accountID, expectedVersion).
			Exec(ctx)
		if err != nil {
			return mapWriteError(err, "bump version")
		}

		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: account %s is not at version %d", identity.ErrConflict, account.ID, expectedVersion)
		}

		var current []*LinkModel
		if err := tx.NewSelect().
			Model(&current).
			Where("?TableAlias.account_id = ?", accountID).
			Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		for _, row := range current {
			next, keep := links[identity.ProviderID(row.Provider)]
			if keep && next.ProviderUserID == row.ProviderUserID {
				continue
			}
			if _, err := tx.NewDelete().
				Model((*LinkModel)(nil)).
				Where("id = ?", row.ID).
				Exec(ctx); err != nil {
				return mapWriteError(err, "delete link")
			}
		}

		for provider, link := range links {
			model := fromLink(accountID, link)

			var owner LinkModel
			err := tx.NewSelect().
				Model(&owner).
				Column("account_id").
				Where("?TableAlias.id = ?", model.ID).
				Limit(1).
				Scan(ctx)
			switch {
			case err == nil && owner.AccountID != accountID:
				return fmt.Errorf("%w: %s identity owned by another account", identity.ErrConflict, provider)
			case err != nil && !errors.Is(err, sql.ErrNoRows):
				return err
			}

			if err := upsertLink(ctx, tx, provider, model); err != nil {
				return err
			}
		}

		updated, err = d.findByIDTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// upsertLink inserts model or refreshes its tokens. A row owned by another
// account is left untouched and reported as a conflict.
func upsertLink(ctx context.Context, db bun.IDB, provider identity.ProviderID, model *LinkModel) error {
	res, err := db.NewInsert().
		Model(model).
		On("CONFLICT (id) DO UPDATE").
		Set("token = EXCLUDED.token").
		Set("token_secret = EXCLUDED.token_secret").
		Set("profile_data = EXCLUDED.profile_data").
		Where("?TableAlias.account_id = EXCLUDED.account_id").
		Exec(ctx)
	if err != nil {
		return mapWriteError(err, "upsert link")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s identity owned by another account", identity.ErrConflict, provider)
	}
	return nil
}

// LinkID derives the primary key of a link row from the provider identity,
// so a provider identity maps to exactly one row id.
func LinkID(provider identity.ProviderID, providerUserID string) uuid.UUID {
	seed := string(provider) + ":" + providerUserID
	if id, err := hashid.NewUUID(seed); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

func mapReadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return fmt.Errorf("%w: %w", identity.ErrAccountNotFound, err)
	}
	return err
}

func mapWriteError(err error, op string) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s: %w", identity.ErrConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed: unique")
}
