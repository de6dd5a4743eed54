package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tagaudit/gtm-audit-crawler/internal/progress"
)

// JSONLSink appends one JSON object per event to a file, producing a durable
// audit trail that survives the process and can be replayed with standard
// tools.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

type jsonlRecord struct {
	SessionID   string  `json:"session_id"`
	TS          string  `json:"ts"`
	Stage       string  `json:"stage"`
	Site        string  `json:"site,omitempty"`
	URL         string  `json:"url,omitempty"`
	Batch       int     `json:"batch,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`
	GTMDetected bool    `json:"gtm_detected"`
	Trackers    int     `json:"trackers,omitempty"`
	DurSeconds  float64 `json:"dur_seconds,omitempty"`
	Note        string  `json:"note,omitempty"`
}

// NewJSONLSink opens (or creates) the trail file in append mode.
func NewJSONLSink(path string) (*JSONLSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress trail: %w", err)
	}
	return &JSONLSink{file: file, writer: bufio.NewWriter(file)}, nil
}

// Consume appends the batch, one line per event.
func (s *JSONLSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	encoder := json.NewEncoder(s.writer)
	for _, evt := range batch {
		record := jsonlRecord{
			SessionID:   evt.SessionUUID().String(),
			TS:          evt.TS.UTC().Format(time.RFC3339),
			Stage:       string(evt.Stage),
			Site:        evt.Site,
			URL:         evt.URL,
			Batch:       evt.Batch,
			Outcome:     string(evt.Outcome),
			GTMDetected: evt.GTMDetected,
			Trackers:    evt.Trackers,
			DurSeconds:  evt.Dur.Seconds(),
			Note:        evt.Note,
		}
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encode trail record: %w", err)
		}
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush progress trail: %w", err)
	}
	return nil
}

// Close flushes and closes the trail file.
func (s *JSONLSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.writer = nil
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush progress trail: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close progress trail: %w", closeErr)
	}
	return nil
}
