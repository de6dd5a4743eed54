// Package session tracks resumable crawl sessions: which URLs are done, which
// failed, and a CSV file of results that only ever grows by whole batches.
package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
)

// ErrSchemaMismatch means an existing results file carries a different header
// than this build writes. Appending would corrupt the file, so resume refuses.
var ErrSchemaMismatch = errors.New("session: results file schema mismatch")

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
}

// Config controls session layout and batching.
type Config struct {
	// Name identifies the session; results and progress files derive from it.
	Name string
	// OutputDir is the base directory; results go to OutputDir/csv and
	// checkpoints to OutputDir/progress.
	OutputDir string
	// BatchSize is the number of URLs per batch. A resumed session keeps the
	// batch size recorded in its checkpoint regardless of this value.
	BatchSize int
	// SaveInterval is the minimum time between unforced checkpoint writes.
	SaveInterval time.Duration
}

const (
	defaultBatchSize    = 100
	defaultSaveInterval = 30 * time.Second
)

// Manager owns one session's checkpoint state. All methods are safe for
// concurrent use, though the intended caller is a single crawl loop.
type Manager struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	csvPath      string
	progressPath string

	mu           sync.Mutex
	completed    map[string]struct{}
	failed       map[string]struct{}
	remaining    []string
	currentBatch int
	totalBatches int
	batchSize    int
	startTime    time.Time
	lastSave     time.Time
	resumed      bool
}

// SessionInfo summarizes the state right after initialization.
type SessionInfo struct {
	Name         string
	TotalURLs    int
	Remaining    int
	Completed    int
	Failed       int
	TotalBatches int
	CurrentBatch int
	BatchSize    int
	Resumed      bool
	CSVPath      string
}

// Stats is a point-in-time progress snapshot.
type Stats struct {
	Name               string
	Elapsed            time.Duration
	Processed          int
	Completed          int
	Failed             int
	SuccessRate        float64
	CompletionPercent  float64
	EstimatedRemaining time.Duration
	CurrentBatch       int
	TotalBatches       int
	BatchSize          int
	CSVPath            string
}

// NewManager creates a Manager. A nil logger is replaced with a no-op logger;
// an empty session name gets a timestamped one from the clock.
func NewManager(cfg Config, clock Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("gtm_analysis_%s", clock.Now().Format("20060102_150405"))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = defaultSaveInterval
	}
	return &Manager{
		cfg:          cfg,
		clock:        clock,
		logger:       logger.With(zap.String("session", cfg.Name)),
		csvPath:      filepath.Join(cfg.OutputDir, "csv", cfg.Name+".csv"),
		progressPath: filepath.Join(cfg.OutputDir, "progress", cfg.Name+"_progress.json"),
		completed:    map[string]struct{}{},
		failed:       map[string]struct{}{},
		batchSize:    cfg.BatchSize,
	}
}

// CSVPath returns the results file location.
func (m *Manager) CSVPath() string { return m.csvPath }

// Initialize starts a new session or resumes a checkpointed one. The URL list
// is the full workload; URLs already completed or failed are filtered out of
// the remaining queue, preserving input order.
func (m *Manager) Initialize(urls []string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dir := range []string{filepath.Dir(m.csvPath), filepath.Dir(m.progressPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return SessionInfo{}, fmt.Errorf("create session dir: %w", err)
		}
	}

	m.startTime = m.clock.Now()
	if _, err := os.Stat(m.progressPath); err == nil {
		record, err := loadProgress(m.progressPath)
		if err != nil {
			return SessionInfo{}, err
		}
		m.applyRecord(record)
		m.resumed = true
	}

	m.totalBatches = (len(urls) + m.batchSize - 1) / m.batchSize

	m.remaining = m.remaining[:0]
	for _, url := range urls {
		if _, done := m.completed[url]; done {
			continue
		}
		if _, done := m.failed[url]; done {
			continue
		}
		m.remaining = append(m.remaining, url)
	}

	if m.resumed {
		if err := m.validateCSV(); err != nil {
			return SessionInfo{}, err
		}
		m.logger.Info("session resumed",
			zap.Int("completed", len(m.completed)),
			zap.Int("failed", len(m.failed)),
			zap.Int("remaining", len(m.remaining)),
			zap.Int("current_batch", m.currentBatch),
		)
	} else {
		if err := m.initializeCSV(); err != nil {
			return SessionInfo{}, err
		}
		m.logger.Info("session started",
			zap.Int("urls", len(urls)),
			zap.Int("total_batches", m.totalBatches),
			zap.Int("batch_size", m.batchSize),
		)
	}

	if err := m.saveProgressLocked(); err != nil {
		return SessionInfo{}, err
	}

	return SessionInfo{
		Name:         m.cfg.Name,
		TotalURLs:    len(urls),
		Remaining:    len(m.remaining),
		Completed:    len(m.completed),
		Failed:       len(m.failed),
		TotalBatches: m.totalBatches,
		CurrentBatch: m.currentBatch,
		BatchSize:    m.batchSize,
		Resumed:      m.resumed,
		CSVPath:      m.csvPath,
	}, nil
}

func (m *Manager) applyRecord(record *progressRecord) {
	for _, url := range record.CompletedURLs {
		m.completed[url] = struct{}{}
	}
	for _, url := range record.FailedURLs {
		// Invariant: a URL is completed or failed, never both.
		if _, ok := m.completed[url]; !ok {
			m.failed[url] = struct{}{}
		}
	}
	m.currentBatch = record.CurrentBatch
	if record.BatchSize > 0 {
		m.batchSize = record.BatchSize
	}
	if !record.StartTime.IsZero() {
		m.startTime = record.StartTime
	}
}

// NextBatch pops up to one batch of URLs off the remaining queue. It returns
// nil when the session is exhausted.
func (m *Manager) NextBatch() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.remaining) == 0 {
		return nil
	}
	n := m.batchSize
	if n > len(m.remaining) {
		n = len(m.remaining)
	}
	batch := append([]string(nil), m.remaining[:n]...)
	m.remaining = m.remaining[n:]
	m.currentBatch++
	m.logger.Info("batch selected",
		zap.Int("batch", m.currentBatch),
		zap.Int("of", m.totalBatches),
		zap.Int("urls", len(batch)),
	)
	return batch
}

// CommitBatch appends the batch's results to the CSV file and, only if that
// succeeds, marks the URLs completed or failed and checkpoints. A URL with no
// result is recorded as failed. On error nothing is marked, so a rerun
// processes the batch again.
func (m *Manager) CommitBatch(urls []string, results []detect.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(results) > 0 {
		if err := m.appendResults(results); err != nil {
			return err
		}
	}

	byURL := make(map[string]detect.Result, len(results))
	for _, result := range results {
		byURL[result.URL] = result
	}
	for _, url := range urls {
		result, ok := byURL[url]
		if ok && result.Succeeded() {
			m.completed[url] = struct{}{}
			delete(m.failed, url)
		} else {
			m.failed[url] = struct{}{}
			delete(m.completed, url)
		}
	}

	m.logger.Info("batch committed",
		zap.Int("batch", m.currentBatch),
		zap.Int("results", len(results)),
		zap.Int("completed_total", len(m.completed)),
		zap.Int("failed_total", len(m.failed)),
	)
	return m.saveProgressLocked()
}

// appendResults writes the rows to a temp file first and only then appends the
// temp file's bytes to the results file, so a failure mid-encode leaves the
// results file untouched.
func (m *Manager) appendResults(results []detect.Result) error {
	tmpPath := m.csvPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create batch temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	writer := csv.NewWriter(tmp)
	for _, result := range results {
		if err := writer.Write(encodeRow(result)); err != nil {
			tmp.Close()
			return fmt.Errorf("encode batch row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush batch temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return fmt.Errorf("rewind batch temp file: %w", err)
	}

	out, err := os.OpenFile(m.csvPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("open results file for append: %w", err)
	}
	if _, err := io.Copy(out, tmp); err != nil {
		tmp.Close()
		out.Close()
		return fmt.Errorf("append batch to results file: %w", err)
	}
	tmp.Close()
	if err := out.Close(); err != nil {
		return fmt.Errorf("close results file: %w", err)
	}
	return nil
}

func (m *Manager) initializeCSV() error {
	file, err := os.Create(m.csvPath)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return fmt.Errorf("write results header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("flush results header: %w", err)
	}
	return file.Close()
}

// validateCSV checks the existing results file's header column by column, in
// order. A missing file is recreated; any other difference is fatal.
func (m *Manager) validateCSV() error {
	file, err := os.Open(m.csvPath)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("results file missing on resume, recreating")
		return m.initializeCSV()
	}
	if err != nil {
		return fmt.Errorf("open results file: %w", err)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return fmt.Errorf("%w: unreadable header: %v", ErrSchemaMismatch, err)
	}
	if len(header) != len(csvHeader) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrSchemaMismatch, len(header), len(csvHeader))
	}
	for i, want := range csvHeader {
		if header[i] != want {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSchemaMismatch, i, header[i], want)
		}
	}
	return nil
}

// ShouldSave reports whether the checkpoint cadence has elapsed.
func (m *Manager) ShouldSave(force bool) bool {
	if force {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Sub(m.lastSave) > m.cfg.SaveInterval
}

// SaveProgress forces a checkpoint write.
func (m *Manager) SaveProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveProgressLocked()
}

func (m *Manager) saveProgressLocked() error {
	record := progressRecord{
		SessionName:   m.cfg.Name,
		CompletedURLs: keys(m.completed),
		FailedURLs:    keys(m.failed),
		CurrentBatch:  m.currentBatch,
		TotalBatches:  m.totalBatches,
		BatchSize:     m.batchSize,
		StartTime:     m.startTime,
		LastUpdated:   m.clock.Now(),
	}
	expected := m.totalBatches * m.batchSize
	if expected > 0 {
		record.CompletionPercentage = float64(len(m.completed)+len(m.failed)) / float64(expected) * 100
	}
	if err := writeProgress(m.progressPath, record); err != nil {
		return err
	}
	m.lastSave = m.clock.Now()
	return nil
}

// Stats snapshots progress counters and a naive time-remaining estimate based
// on average per-URL time so far.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	elapsed := time.Duration(0)
	if !m.startTime.IsZero() {
		elapsed = now.Sub(m.startTime)
	}

	processed := len(m.completed) + len(m.failed)
	stats := Stats{
		Name:         m.cfg.Name,
		Elapsed:      elapsed,
		Processed:    processed,
		Completed:    len(m.completed),
		Failed:       len(m.failed),
		CurrentBatch: m.currentBatch,
		TotalBatches: m.totalBatches,
		BatchSize:    m.batchSize,
		CSVPath:      m.csvPath,
	}
	if processed > 0 {
		stats.SuccessRate = float64(len(m.completed)) / float64(processed) * 100
	}
	expected := m.totalBatches * m.batchSize
	if expected > 0 {
		stats.CompletionPercent = float64(processed) / float64(expected) * 100
	}
	if processed > 0 && elapsed > 0 && expected > processed {
		perURL := elapsed / time.Duration(processed)
		stats.EstimatedRemaining = perURL * time.Duration(expected-processed)
	}
	return stats
}

// ExportFailed writes the failed URLs, one per line and sorted, to path. An
// empty path picks a timestamped file next to the results file.
func (m *Manager) ExportFailed(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path == "" {
		path = filepath.Join(m.cfg.OutputDir,
			fmt.Sprintf("failed_urls_%s_%s.txt", m.cfg.Name, m.clock.Now().Format("20060102_150405")))
	}
	urls := keys(m.failed)
	sort.Strings(urls)
	data := make([]byte, 0, len(urls)*32)
	for _, url := range urls {
		data = append(data, url...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("export failed urls: %w", err)
	}
	m.logger.Info("failed urls exported", zap.Int("count", len(urls)), zap.String("path", path))
	return path, nil
}

// CleanupOldSessions removes checkpoints older than maxAge from the progress
// directory.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-maxAge)
	deleted, err := cleanupOldProgress(filepath.Dir(m.progressPath), cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("old checkpoints removed", zap.Int("count", deleted))
	}
	return deleted, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
