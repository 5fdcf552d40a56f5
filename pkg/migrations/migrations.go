// Package migrations holds the readlog schema as bun Go migrations.
package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

func NewMigrator(db *bun.DB) *migrate.Migrator {
	return migrate.NewMigrator(db, Migrations)
}

// BringUpToDate creates the bookkeeping tables if needed and applies every
// pending migration as one group.
func BringUpToDate(ctx context.Context, db *bun.DB) (*migrate.MigrationGroup, error) {
	migrator := NewMigrator(db)
	if err := migrator.Init(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return group, nil
}

// Pending lists migrations that haven't been applied yet.
func Pending(ctx context.Context, db *bun.DB) (migrate.MigrationSlice, error) {
	migrator := NewMigrator(db)
	if err := migrator.Init(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ms.Unapplied(), nil
}
