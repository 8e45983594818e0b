package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const pingTimeout = 5 * time.Second

// Connection wraps a *sql.DB opened against the audit store's SQLite
// database, with the pool settings and pragmas every caller needs set up
// at Open (the per-connection pragmas through the DSN, see dsn).
type Connection struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the audit database at cfg.DatabasePath,
// applies the encryption-at-rest pragma (if a passphrase is configured),
// enables foreign key enforcement, switches to WAL journaling, and
// verifies the schema is one this binary understands.
//
// Order matters: the key pragma must run before any other statement on a
// cipher-enabled build, and foreign_keys must be set on every connection
// since SQLite does not persist it in the database file itself.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("audit: enable foreign keys: %w", err)
	}

	if err := verifyForeignKeysEnabled(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("audit: enable WAL journal mode: %w", err)
	}

	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	logger.Info("audit store opened",
		slog.String("path", cfg.MaskDatabasePath()),
		slog.Bool("encrypted", cfg.Passphrase != ""),
	)

	return &Connection{db: db, logger: logger}, nil
}

// dsn builds the modernc.org/sqlite data source name. Its _pragma
// parameters are applied by the driver to every new pooled connection:
// the encryption-at-rest key first (when configured), then
// foreign_keys. On a non-cipher-enabled build of modernc.org/sqlite the
// key pragma is ignored by SQLite (unknown pragmas are no-ops), so the
// database is then not encrypted.
func dsn(cfg *Config) string {
	pragmas := "_pragma=foreign_keys(1)"

	if cfg.Passphrase != "" {
		escaped := strings.ReplaceAll(cfg.Passphrase, "'", "''")
		pragmas = fmt.Sprintf("_pragma=key('%s')&%s", escaped, pragmas)
	}

	return cfg.DatabasePath + "?" + pragmas
}

func verifyForeignKeysEnabled(ctx context.Context, db *sql.DB) error {
	var enabled int

	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("audit: check foreign_keys pragma: %w", err)
	}

	if enabled != 1 {
		return ErrForeignKeysDisabled
	}

	return nil
}

// expectedTables is the set of tables the 001_audit_schema migration
// creates. verifySchema checks that all of them exist, giving an
// actionable error before any recorder call touches a missing table.
var expectedTables = []string{
	"runs", "nodes", "edges", "rows", "tokens", "token_parents",
	"node_states", "routing_events", "calls", "token_outcomes",
	"batches", "validation_errors", "secret_resolutions",
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range expectedTables {
		var name string

		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			return fmt.Errorf(
				"%w: table %q is missing; run the migrator's 'up' command against this database",
				ErrSchemaIncompatible, table,
			)
		}
	}

	return nil
}

// HashPassphraseConfirmation bcrypt-hashes a passphrase for storage
// alongside an encrypted audit database, so a caller can tell a wrong
// passphrase apart from a stream of "file is not a database" SQLite
// errors. Open itself does not store or consult such a hash. Mirrors the teacher's
// HashAPIKey/CompareAPIKeyHash split (storage/hash.go).
func HashPassphraseConfirmation(passphrase string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("audit: hash passphrase confirmation: %w", err)
	}

	return string(hashed), nil
}

// CompareHashedPassphrase reports whether passphrase matches a hash
// produced by HashPassphraseConfirmation.
func CompareHashedPassphrase(hash, passphrase string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase)) == nil
}

// DB returns the underlying *sql.DB for callers (the recorder, queries)
// that need to run statements directly.
func (c *Connection) DB() *sql.DB { return c.db }

// Close closes the underlying database connection.
func (c *Connection) Close() error {
	return c.db.Close()
}

// HealthCheck verifies the connection is still reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := c.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("audit: health check failed: %w", err)
	}

	return nil
}
