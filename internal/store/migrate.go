// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tomtom215/dtable-events/internal/logging"
)

//go:embed migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema for dialect to the database at url
// ("mysql://<dsn>" or "sqlite://<path>"). An up-to-date schema is not an
// error. The sqlite database driver is only linked into tests.
func Migrate(url string, dialect Dialect) error {
	dir := "migrations/" + string(dialect)
	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("migrate source %s: %w", dir, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		logging.Info().Uint("version", version).Bool("dirty", dirty).Str("dialect", string(dialect)).
			Msg("Database schema migrated")
	}
	return nil
}
