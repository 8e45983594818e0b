package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/auditpipe/auditpipe/internal/orchestrator"
)

// fileCheckpointSink appends each Checkpoint as one JSON line, mirroring
// internal/audit.Journal's append-only-JSONL shape but scoped to resume
// bookkeeping rather than the full audit trail.
type fileCheckpointSink struct {
	mu   sync.Mutex
	file *os.File
}

// openCheckpointSink opens (creating or appending to) path.
func openCheckpointSink(path string) (*fileCheckpointSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("auditpipe: open checkpoint file: %w", err)
	}

	return &fileCheckpointSink{file: f}, nil
}

func (s *fileCheckpointSink) Checkpoint(_ context.Context, cp orchestrator.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("auditpipe: encode checkpoint: %w", err)
	}

	encoded = append(encoded, '\n')

	if _, err := s.file.Write(encoded); err != nil {
		return fmt.Errorf("auditpipe: write checkpoint: %w", err)
	}

	return nil
}

func (s *fileCheckpointSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.Close()
}
