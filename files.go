package auth

import (
	"context"
	"embed"
	"io/fs"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the migration files for this package
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *bun.DB) error {
	sub, err := fs.Sub(migrationsFS, "data/sql/migrations")
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open migrations")
	}

	migrations := migrate.NewMigrations()
	if err := migrations.Discover(sub); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to discover migrations")
	}

	migrator := migrate.NewMigrator(db, migrations)
	if err := migrator.Init(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to init migrations")
	}

	if _, err := migrator.Migrate(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to run migrations")
	}
	return nil
}
