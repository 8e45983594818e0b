package audit

import (
	"errors"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/config"
)

// ErrDatabasePathEmpty is returned when no audit database path is configured.
var ErrDatabasePathEmpty = errors.New("audit: AUDIT_DB_PATH cannot be empty")

// Config controls how the audit store opens its backing SQLite database.
type Config struct {
	// DatabasePath is the filesystem path to the SQLite file. Use
	// ":memory:" for an ephemeral, process-local store (tests only: it
	// cannot be shared across connections or survive a crash, which
	// violates the audit store's durability contract in production).
	DatabasePath string

	// Passphrase, if set, is applied via PRAGMA key on every new
	// connection for encryption-at-rest. Only valid for file-backed
	// databases.
	Passphrase string

	MaxOpenConns int
	MaxIdleConns int
}

// LoadConfig reads audit store configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabasePath: config.GetEnvStr("AUDIT_DB_PATH", "./auditpipe.db"),
		Passphrase:   config.GetEnvStr("AUDIT_KEY", ""),
		MaxOpenConns: config.GetEnvInt("AUDIT_DB_MAX_OPEN_CONNS", 4),
		MaxIdleConns: config.GetEnvInt("AUDIT_DB_MAX_IDLE_CONNS", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("audit: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrDatabasePathEmpty
	}

	if c.Passphrase != "" && c.DatabasePath == ":memory:" {
		return ErrEncryptionRequiresFile
	}

	return nil
}

// MaskDatabasePath returns the configured path unmodified: the passphrase
// is held in its own field, never in DatabasePath. Kept as a named method so callers
// log through one seam, matching the teacher's MaskDatabaseURL convention.
func (c *Config) MaskDatabasePath() string {
	return c.DatabasePath
}
