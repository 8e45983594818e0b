// Package payload implements the content-addressed filesystem blob store:
// row payloads are written once under their hash and read back by ref,
// with a background sweep purging blobs past their retention window.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when a ref has never been written, or was
// written and has since been purged by retention.
var ErrNotFound = errors.New("payload: ref not found")

// ErrCorrupted is a Tier-1 integrity error: the blob on disk does not
// hash back to its own ref. Unlike a retention purge (an expected,
// degraded-but-queryable condition), this always propagates — it means
// the store's content-addressing guarantee has been violated.
var ErrCorrupted = errors.New("payload: blob is corrupted or truncated")

const (
	sweepQueryTimeout = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Store is a content-addressed blob store rooted at a directory. Refs are
// the SHA-256 hex digest of the bytes stored under them, split into a
// two-character fan-out directory to keep any one directory from growing
// too large.
type Store struct {
	root          string
	retention     time.Duration
	logger        *slog.Logger
	sweepInterval time.Duration
	sweepStop     chan struct{}
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithSweepInterval overrides the default retention-sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// Open creates (if necessary) root and starts a Store rooted there.
// retention is how long a blob survives before the background sweep may
// delete it; zero disables the sweep entirely (blobs are kept forever).
func Open(root string, retention time.Duration, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("payload: create store root: %w", err)
	}

	s := &Store{
		root:          root,
		retention:     retention,
		logger:        logger,
		sweepInterval: time.Hour,
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.retention > 0 {
		go s.runSweep()
		s.logger.Info("started payload retention sweep", slog.Duration("interval", s.sweepInterval), slog.Duration("retention", s.retention))
	} else {
		close(s.sweepDone)
	}

	return s, nil
}

// Close stops the retention sweep gracefully. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)

		select {
		case <-s.sweepDone:
			s.logger.Info("payload retention sweep stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("payload retention sweep did not stop within timeout")
		}
	})

	return nil
}

// Store writes payload and returns its content-addressed ref (a SHA-256
// hex digest). Writing the same bytes twice is idempotent and returns
// the same ref both times.
func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	ref := hashBytes(data)
	path := s.blobPath(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payload: create fan-out directory: %w", err)
	}

	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("payload: write blob: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("payload: finalize blob: %w", err)
	}

	return ref, nil
}

// Retrieve reads back the bytes stored under ref. A missing blob (never
// written, or purged by retention) returns ErrNotFound — a degraded but
// expected condition: the row's hash survives in the audit trail even
// though its payload does not. A blob whose on-disk bytes no longer hash
// to ref is ErrCorrupted, which always propagates as a Tier-1 integrity
// failure rather than being treated as a routine miss.
func (s *Store) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("payload: read blob: %w", err)
	}

	if actual := hashBytes(data); actual != ref {
		return nil, fmt.Errorf("%w: ref %s rehashes to %s", ErrCorrupted, ref, actual)
	}

	return data, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func (s *Store) blobPath(ref string) string {
	if len(ref) < 2 {
		return filepath.Join(s.root, ref)
	}

	return filepath.Join(s.root, ref[:2], ref)
}

var _ io.Closer = (*Store)(nil)
