package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4/database/sqlite"

	_ "github.com/golang-migrate/migrate/v4/source/file" // file source driver
	_ "modernc.org/sqlite"                                // pure-Go sqlite driver

	migrate "github.com/golang-migrate/migrate/v4"
)

type (
	// MigrationRunner is the command surface cmd/migrator drives.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	migrationRunner struct {
		config  *Config
		migrate *migrate.Migrate
		db      *sql.DB
	}

	migrateLogger struct{}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner opens cfg.DatabasePath and wires a golang-migrate
// instance against the pure-Go "sqlite" driver (modernc.org/sqlite) so
// this binary never requires cgo, matching the audit store's own driver
// choice.
func NewMigrationRunner(cfg *Config) (MigrationRunner, error) {
	log.Printf("initializing migration runner with %s", cfg.String())

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("migrator: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrator: ping database: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrator: create sqlite driver: %w", err)
	}

	sourceURL := fmt.Sprintf("file://%s", cfg.MigrationsPath)

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "sqlite", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrator: create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &migrationRunner{config: cfg, migrate: m, db: db}, nil
}

func (r *migrationRunner) Up() error {
	log.Println("applying pending migrations")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrator: up: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("no new migrations to apply")
	} else {
		log.Println("migrations applied")
	}

	return nil
}

func (r *migrationRunner) Down() error {
	log.Println("rolling back last migration")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrator: down: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("no migrations to roll back")
	} else {
		log.Println("last migration rolled back")
	}

	return nil
}

func (r *migrationRunner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("migration status: no migrations applied yet")

			return nil
		}

		return fmt.Errorf("migrator: status: %w", err)
	}

	status := "clean"
	if dirty {
		status = "dirty (needs manual intervention)"
	}

	fmt.Printf("migration status: version %d (%s)\n", ver, status)

	return nil
}

func (r *migrationRunner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("current version: no migrations applied")

			return nil
		}

		return fmt.Errorf("migrator: version: %w", err)
	}

	dirtyNote := ""
	if dirty {
		dirtyNote = " (dirty)"
	}

	fmt.Printf("current version: %d%s\n", ver, dirtyNote)

	return nil
}

func (r *migrationRunner) Drop() error {
	log.Println("dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("migrator: drop: %w", err)
	}

	log.Println("all tables dropped")

	return nil
}

func (r *migrationRunner) Close() error {
	var errs []error

	if r.migrate != nil {
		if sourceErr, dbErr := r.migrate.Close(); sourceErr != nil || dbErr != nil {
			if sourceErr != nil {
				errs = append(errs, fmt.Errorf("source close: %w", sourceErr))
			}

			if dbErr != nil {
				errs = append(errs, fmt.Errorf("database close: %w", dbErr))
			}
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("migrator: close errors: %v", errs)
	}

	return nil
}

func (l *migrateLogger) Printf(format string, v ...any) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}
