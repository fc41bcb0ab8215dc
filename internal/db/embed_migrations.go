package db

import "embed"

// MigrationFS embeds the schema shared by the Postgres and SQLite drivers.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
