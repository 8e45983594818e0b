package main

import (
	"fmt"
	"path/filepath"

	"github.com/auditpipe/auditpipe/internal/config"
)

// Config holds the migration tool's settings, loaded from the same
// AUDIT_DB_PATH environment variable the audit store itself consults —
// a migration run and a pipeline run must always agree on which
// database file they mean.
type Config struct {
	DatabasePath   string
	MigrationsPath string
	MigrationTable string
}

// LoadConfig loads configuration from the environment with sensible
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabasePath:   config.GetEnvStr("AUDIT_DB_PATH", "./auditpipe.db"),
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", "./migrations"),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("migrator: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("migrator: AUDIT_DB_PATH cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("migrator: MIGRATION_TABLE cannot be empty")
	}

	if c.MigrationsPath == "" {
		return fmt.Errorf("migrator: MIGRATIONS_PATH cannot be empty")
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("migrator: resolve migrations path: %w", err)
	}

	c.MigrationsPath = absPath

	return nil
}

// String returns a log-safe representation — unlike the teacher's
// DatabaseURL, a filesystem path carries no embedded credential, so
// nothing needs masking.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabasePath: %s, MigrationsPath: %s, MigrationTable: %s}",
		c.DatabasePath, c.MigrationsPath, c.MigrationTable)
}
