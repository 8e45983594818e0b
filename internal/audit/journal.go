package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Journal is an append-only JSONL mirror of every recorder write, useful
// for shipping a run's audit trail to a log pipeline without querying the
// SQLite file directly. It is optional: a Store with no journal attached
// behaves identically, just without the side channel.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens (creating or appending to) a JSONL file at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open journal: %w", err)
	}

	return &Journal{file: f}, nil
}

// Append writes one JSON-encoded entry followed by a newline. kind
// identifies the record type ("run", "node", "routing_event", ...) so a
// reader can dispatch without sniffing fields.
func (j *Journal) Append(kind string, entry any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	encoded, err := json.Marshal(struct {
		Kind string `json:"kind"`
		Data any    `json:"data"`
	}{Kind: kind, Data: entry})
	if err != nil {
		return fmt.Errorf("audit: encode journal entry: %w", err)
	}

	encoded = append(encoded, '\n')

	if _, err := j.file.Write(encoded); err != nil {
		return fmt.Errorf("audit: write journal entry: %w", err)
	}

	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync journal: %w", err)
	}

	return j.file.Close()
}

// WithJournal attaches j to s so every subsequent recorder write is also
// mirrored to the journal. Functional-option style, matching the
// teacher's WithXxx constructors.
func WithJournal(s *Store, j *Journal) *Store {
	s.journal = j

	return s
}
