package database

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite migrations/postgres
var migrationsFS embed.FS

// migrate applies all pending schema migrations for the active dialect.
// Migration files are embedded in the binary, one directory per dialect.
func (c *Client) migrate() error {
	var (
		dir    string
		driver migratedb.Driver
		err    error
	)

	switch c.driver {
	case DriverSQLite:
		dir = "migrations/sqlite"
		driver, err = migratesqlite.WithInstance(c.db, &migratesqlite.Config{})
	case DriverPostgres:
		dir = "migrations/postgres"
		driver, err = migratepg.WithInstance(c.db, &migratepg.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", c.driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "tasks", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver; closing the full instance would close
	// the shared *sql.DB as well.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
