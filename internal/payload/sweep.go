package payload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// runSweep is the background goroutine that periodically purges blobs
// older than the store's retention window. Runs on ticker until sweepStop
// is closed via Close().
func (s *Store) runSweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.sweepStop:
			cancel()
			s.logger.Info("stopping payload retention sweep")

			return
		case <-ticker.C:
			sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepQueryTimeout)
			s.purgeExpired(sweepCtx)
			sweepCancel()
		}
	}
}

// purgeExpired walks the store root and removes every blob file whose
// modification time is older than the retention window. A purged blob
// leaves its row's payload_hash intact in the audit trail — retrieving it
// afterward returns ErrNotFound, a degraded but expected condition, never
// an integrity failure.
func (s *Store) purgeExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	var (
		purged int
		failed int
	)

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			failed++

			return nil //nolint:nilerr // one bad entry must not abort the whole sweep
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			failed++

			return nil //nolint:nilerr // same: keep sweeping past a single removal failure
		}

		purged++

		return nil
	})

	if err != nil {
		s.logger.Error("payload retention sweep failed", slog.String("error", err.Error()))

		return
	}

	if purged > 0 || failed > 0 {
		s.logger.Info("payload retention sweep complete", slog.Int("purged", purged), slog.Int("failed", failed))
	}
}
