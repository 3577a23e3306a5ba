package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/voyagen/epgvault/migrations"
)

// RunMigrations applies the embedded migrations for the backend named by
// dsn's scheme. The migration connection is separate from the store's and is
// closed before returning.
func RunMigrations(dsn string) error {
	backend, err := BackendFor(dsn)
	if err != nil {
		return err
	}

	var (
		db     *sql.DB
		dir    fs.FS
		subdir string
	)
	switch backend {
	case BackendPostgres:
		db, err = sql.Open("postgres", dsn)
		dir, subdir = migrations.Postgres, "postgres"
	default:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		dir, subdir = migrations.SQLite, "sqlite"
	}
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	var drv database.Driver
	switch backend {
	case BackendPostgres:
		drv, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		drv, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("migrate driver: %w", err)
	}

	src, err := iofs.New(dir, subdir)
	if err != nil {
		drv.Close()
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(backend), drv)
	if err != nil {
		src.Close()
		drv.Close()
		return fmt.Errorf("migrate.NewWithInstance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate.Up: %w", err)
	}
	return nil
}
