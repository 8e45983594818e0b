package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateRejectsEmptyPath(t *testing.T) {
	cfg := &Config{DatabasePath: ""}
	require.ErrorIs(t, cfg.Validate(), ErrDatabasePathEmpty)
}

func TestConfigValidateRejectsEncryptedMemoryDB(t *testing.T) {
	cfg := &Config{DatabasePath: ":memory:", Passphrase: "hunter2"}
	require.ErrorIs(t, cfg.Validate(), ErrEncryptionRequiresFile)
}

func TestConfigValidateAcceptsPlainMemoryDB(t *testing.T) {
	cfg := &Config{DatabasePath: ":memory:"}
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateAcceptsEncryptedFileDB(t *testing.T) {
	cfg := &Config{DatabasePath: "/tmp/audit.db", Passphrase: "hunter2"}
	require.NoError(t, cfg.Validate())
}
