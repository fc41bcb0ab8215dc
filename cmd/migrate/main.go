// migrate applies or rolls back the embedded schema: go run ./cmd/migrate -direction up
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/db"
	"github.com/qcom/phoneauth/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.LoadDatabase()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := migrate.Run(migrationURL(cfg.Driver, cfg.URL), *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

// migrationURL turns the driver DSN into the URL form golang-migrate expects.
// SQLite DSNs like "file:phoneauth.db" become "sqlite://phoneauth.db".
func migrationURL(driver, dsn string) string {
	if driver != db.DriverSQLite || strings.HasPrefix(dsn, "sqlite://") {
		return dsn
	}
	return "sqlite://" + strings.TrimPrefix(dsn, "file:")
}
