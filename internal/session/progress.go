package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// progressRecord is the on-disk checkpoint. It is the single source of truth
// for which URLs a session already handled; the CSV file only accumulates
// results.
type progressRecord struct {
	SessionName   string    `json:"session_name"`
	CompletedURLs []string  `json:"completed_urls"`
	FailedURLs    []string  `json:"failed_urls"`
	CurrentBatch  int       `json:"current_batch"`
	TotalBatches  int       `json:"total_batches"`
	BatchSize     int       `json:"batch_size"`
	StartTime     time.Time `json:"start_time"`
	LastUpdated   time.Time `json:"last_updated"`

	// Derived counters kept for humans reading the file.
	TotalCompleted       int     `json:"total_completed"`
	TotalFailed          int     `json:"total_failed"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

func loadProgress(path string) (*progressRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	var record progressRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode progress file %s: %w", path, err)
	}
	return &record, nil
}

// writeProgress writes the checkpoint through a temp file and rename so a
// crash mid-write never corrupts the previous checkpoint.
func writeProgress(path string, record progressRecord) error {
	sort.Strings(record.CompletedURLs)
	sort.Strings(record.FailedURLs)
	record.TotalCompleted = len(record.CompletedURLs)
	record.TotalFailed = len(record.FailedURLs)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

// cleanupOldProgress deletes progress files last modified before the cutoff.
func cleanupOldProgress(dir string, cutoff time.Time) (int, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*_progress.json"))
	if err != nil {
		return 0, fmt.Errorf("scan progress dir: %w", err)
	}
	deleted := 0
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}
