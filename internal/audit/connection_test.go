package audit

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/auditpipe/auditpipe/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAppliesPragmasAndVerifiesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, config.RunTestMigrations(db))
	require.NoError(t, db.Close())

	conn, err := Open(context.Background(), &Config{DatabasePath: path, MaxOpenConns: 4, MaxIdleConns: 4}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.HealthCheck(context.Background()))

	var enabled int
	require.NoError(t, conn.DB().QueryRow("PRAGMA foreign_keys").Scan(&enabled))
	require.Equal(t, 1, enabled)

	var mode string
	require.NoError(t, conn.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)
}

func TestOpenRejectsUnmigratedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")

	// Touch an empty SQLite file with none of the audit tables created.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), &Config{DatabasePath: path, MaxOpenConns: 1, MaxIdleConns: 1}, discardLogger())
	require.ErrorIs(t, err, ErrSchemaIncompatible)
}

func TestHashAndCompareHashedPassphrase(t *testing.T) {
	hash, err := HashPassphraseConfirmation("correct horse battery staple")
	require.NoError(t, err)

	require.True(t, CompareHashedPassphrase(hash, "correct horse battery staple"))
	require.False(t, CompareHashedPassphrase(hash, "wrong passphrase"))
}
