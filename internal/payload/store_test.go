package payload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir(), 0, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ref, err := store.Store(context.Background(), []byte("hello audit trail"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := store.Retrieve(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "hello audit trail", string(got))
}

func TestStoreIsIdempotentOnIdenticalBytes(t *testing.T) {
	store, err := Open(t.TempDir(), 0, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()

	refA, err := store.Store(ctx, []byte("same bytes"))
	require.NoError(t, err)

	refB, err := store.Store(ctx, []byte("same bytes"))
	require.NoError(t, err)

	require.Equal(t, refA, refB)
}

func TestRetrieveMissingRefReturnsErrNotFound(t *testing.T) {
	store, err := Open(t.TempDir(), 0, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Retrieve(context.Background(), "deadbeef00000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveCorruptedBlobReturnsErrCorrupted(t *testing.T) {
	root := t.TempDir()

	store, err := Open(root, 0, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()

	ref, err := store.Store(ctx, []byte("original bytes"))
	require.NoError(t, err)

	// Overwrite the blob on disk directly to simulate corruption.
	require.NoError(t, os.WriteFile(store.blobPath(ref), []byte("tampered"), 0o644))

	_, err = store.Retrieve(ctx, ref)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestRetentionSweepPurgesExpiredBlobs(t *testing.T) {
	root := t.TempDir()

	store, err := Open(root, 50*time.Millisecond, discardLogger(), WithSweepInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()

	ref, err := store.Store(ctx, []byte("soon to expire"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := store.Retrieve(ctx, ref)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)

	_, err = store.Retrieve(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBlobPathFansOutByPrefix(t *testing.T) {
	store := &Store{root: "/tmp/payload-root"}

	path := store.blobPath("abcd1234")
	require.Equal(t, filepath.Join("/tmp/payload-root", "ab", "abcd1234"), path)
}
