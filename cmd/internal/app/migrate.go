package app

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	// database/sql driver for goose; pool traffic stays on native pgx.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies embedded migrations to the configured database.
// It opens a short-lived database/sql handle because goose does not speak
// pgxpool.
func RunMigrations(ctx context.Context, log Logger, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return err
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return err
	}
	log.Info("db.migrations.applied", "version", version)
	return nil
}
