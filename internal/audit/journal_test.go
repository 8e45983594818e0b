package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalMirrorsRecorderWrites(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "audit.jsonl")

	j, err := OpenJournal(journalPath)
	require.NoError(t, err)

	store := newTestStore(t)
	store = WithJournal(store, j)

	run, err := store.BeginRun(context.Background(), "journaled-run", nil)
	require.NoError(t, err)

	require.NoError(t, store.CompleteRun(context.Background(), run.ID, RunStatusCompleted))
	require.NoError(t, j.Close())

	f, err := os.Open(journalPath)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		kinds = append(kinds, entry.Kind)
	}

	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"run", "run_completed"}, kinds)
}

func TestStoreWithoutJournalIsANoOp(t *testing.T) {
	store := newTestStore(t)

	run, err := store.BeginRun(context.Background(), "unjournaled-run", nil)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
}
