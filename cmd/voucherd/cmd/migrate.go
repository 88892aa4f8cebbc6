// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// migrate.go applies the golang-migrate SQL migrations under
// migrations/<kind>/ against the configured database, the way the teacher's
// surrounding repository versions its own schema with golang-migrate/migrate/v4.
package cmd

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/kaleido-io/voucherd/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return exitErrorf(1, err)
		}

		sourceURL := fmt.Sprintf("file://migrations/%s", cfg.DatabaseKind)
		databaseURL, err := migrateDatabaseURL(cfg)
		if err != nil {
			return exitErrorf(1, err)
		}

		m, err := migrate.New(sourceURL, databaseURL)
		if err != nil {
			return exitErrorf(2, err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return exitErrorf(2, err)
		}
		return nil
	},
}

func migrateDatabaseURL(cfg config.Config) (string, error) {
	switch cfg.DatabaseKind {
	case "postgres":
		return "postgres://" + cfg.DatabaseDSN, nil
	case "mysql":
		return "mysql://" + cfg.DatabaseDSN, nil
	case "sqlite", "":
		return "sqlite3://" + cfg.DatabaseDSN, nil
	default:
		return "", fmt.Errorf("unsupported database kind %q", cfg.DatabaseKind)
	}
}
