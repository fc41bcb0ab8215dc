// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/qcom/phoneauth/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do.
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations in the given direction using a DSN URL
// (postgres://... or sqlite://path). direction must be "up" or "down".
func Run(dsn string, direction string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	return step(m, direction)
}

// Up applies all pending migrations on an already open pool. The pool stays
// open; for Postgres a dedicated connection is borrowed and returned.
func Up(ctx context.Context, conn *sql.DB, driver string) error {
	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	var target database.Driver
	switch driver {
	case db.DriverPostgres:
		c, err := conn.Conn(ctx)
		if err != nil {
			return fmt.Errorf("migrate: failed to get connection: %w", err)
		}
		target, err = postgres.WithConnection(ctx, c, &postgres.Config{})
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("migrate: %w", err)
		}
	case db.DriverSQLite:
		target, err = sqlite.WithInstance(conn, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driver, target)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if driver == db.DriverPostgres {
		// Closes the borrowed connection only.
		defer func() { _, _ = m.Close() }()
	}
	if err := step(m, "up"); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func step(m *migrate.Migrate, direction string) error {
	switch direction {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
	case "down":
		if err := m.Down(); err != nil {
			return err
		}
	}
	return nil
}
