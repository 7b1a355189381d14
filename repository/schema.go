package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// CreateSchema creates the account and link tables with the indexes the
// directory relies on. It is safe to call on an existing schema.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*AccountModel)(nil),
		(*LinkModel)(nil),
	}

	for _, model := range models {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		name    string
		columns []string
	}{
		{name: "uq_identity_links_provider_user", columns: []string{"provider", "provider_user_id"}},
		{name: "uq_identity_links_account_provider", columns: []string{"account_id", "provider"}},
	}

	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().
			Model((*LinkModel)(nil)).
			Unique().
			IfNotExists().
			Index(idx.name).
			Column(idx.columns...).
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	return nil
}
