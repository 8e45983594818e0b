package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// jsonlLandscapeRecorder implements plugin.LandscapeRecorder by appending
// one JSON line per reported dataset, the same append-only shape as
// fileCheckpointSink and internal/audit.Journal — a local stand-in for
// the real landscape.url HTTP client, which is an external collaborator
// this module does not implement.
type jsonlLandscapeRecorder struct {
	mu   sync.Mutex
	file *os.File
}

type landscapeRecord struct {
	URN        string         `json:"urn"`
	Attributes map[string]any `json:"attributes"`
	Timestamp  time.Time      `json:"timestamp"`
}

func openLandscapeSink(path string) (*jsonlLandscapeRecorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("auditpipe: open landscape dump file: %w", err)
	}

	return &jsonlLandscapeRecorder{file: f}, nil
}

func (s *jsonlLandscapeRecorder) RecordDataset(_ context.Context, urn string, attributes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(landscapeRecord{URN: urn, Attributes: attributes, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("auditpipe: encode landscape record: %w", err)
	}

	encoded = append(encoded, '\n')

	if _, err := s.file.Write(encoded); err != nil {
		return fmt.Errorf("auditpipe: write landscape record: %w", err)
	}

	return nil
}

func (s *jsonlLandscapeRecorder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.Close()
}
