// Package config provides configuration and shared test utilities for the auditpipe application.
package config

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file" // used to run migrations using source files
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// TestDatabase encapsulates a temp-file SQLite database for integration tests.
// Used across packages that need a real, migrated audit store without a container.
type TestDatabase struct {
	Path       string
	Connection *sql.DB
}

// SetupTestDatabase creates a fresh SQLite file under t.TempDir() and runs all
// migrations. This is the standard way to set up an audit store for
// integration tests across packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		testDB := config.SetupTestDatabase(t)
//		t.Cleanup(func() { _ = testDB.Connection.Close() })
//		// ... your test code
//	}
//
// Cleanup of the connection is the caller's responsibility using t.Cleanup().
// The backing file lives under t.TempDir() and is removed automatically.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()

	path := t.TempDir() + "/audit.db"

	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err, "failed to open sqlite database")

	if err := RunTestMigrations(conn); err != nil {
		_ = conn.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Path:       path,
		Connection: conn,
	}
}

// RunTestMigrations applies all migrations from the migrations directory using golang-migrate.
// This function uses file:// source pointing to the actual migrations directory (no duplication).
//
// The migration path is relative to the package calling this function:
//   - internal/config: ../../migrations
//   - internal/audit:  ../../migrations
//
// This works because both packages are at the same depth relative to the project root.
//
// Returns:
//   - nil if migrations succeed or no changes needed
//   - error if migrations fail
func RunTestMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://../../migrations",
		"sqlite",
		driver,
	)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
