package audit

import "errors"

// Sentinel errors for the audit store. Tier-1 integrity errors
// (ErrSchemaIncompatible, ErrForeignKeysDisabled, ErrNonFinite from
// internal/canonical) must abort the run; the rest are ordinary,
// classifiable failures a caller can log and react to.
var (
	// ErrSchemaIncompatible is returned by Open when one of the tables the
	// audit schema migration creates is missing from the database.
	ErrSchemaIncompatible = errors.New("audit: database schema is incompatible with this binary")

	// ErrForeignKeysDisabled is returned by Open if SQLite reports foreign
	// keys are off after the store attempted to enable them.
	ErrForeignKeysDisabled = errors.New("audit: foreign key enforcement could not be enabled")

	// ErrRunNotFound, ErrNodeNotFound, ErrTokenNotFound are returned by
	// recorder methods that require an existing parent row.
	ErrRunNotFound   = errors.New("audit: run not found")
	ErrNodeNotFound  = errors.New("audit: node not found")
	ErrTokenNotFound = errors.New("audit: token not found")

	// ErrInvalidStateTransition is returned when a run or node-state
	// transition would violate the lifecycle (e.g. completing an
	// already-completed run).
	ErrInvalidStateTransition = errors.New("audit: invalid state transition")

	// ErrEncryptionRequiresFile is returned when a passphrase is configured
	// against a non-file-backed (e.g. in-memory) database.
	ErrEncryptionRequiresFile = errors.New("audit: encryption-at-rest passphrase requires a file-backed database")

	// ErrPassphraseConfirmMismatch reports that a passphrase does not match
	// a stored confirmation hash (see CompareHashedPassphrase). Nothing in
	// this package returns it; Open does not check a confirmation hash.
	ErrPassphraseConfirmMismatch = errors.New("audit: passphrase does not match database's stored confirmation hash")
)
