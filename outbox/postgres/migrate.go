package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	libLog "github.com/LerianStudio/lib-outbox/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

// Migrate applies the bundled schema to the primary database. Running it on an
// up-to-date database is a no-op.
func Migrate(ctx context.Context, db *sql.DB, dbName string, logger libLog.Logger) error {
	if db == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if logger == nil {
		logger = libLog.NewNop()
	}

	if err := validateDBName(dbName); err != nil {
		return err
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		DatabaseName:    dbName,
		SchemaName:      "public",
		MigrationsTable: "outbox_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, libLog.LevelInfo, "outbox schema is up to date")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, libLog.LevelInfo, "outbox schema migrated")

	return nil
}
