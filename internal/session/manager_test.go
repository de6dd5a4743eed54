package session

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
	"github.com/tagaudit/gtm-audit-crawler/internal/trackerdb"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testManager(t *testing.T, dir string, batchSize int) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{
		Name:      "test_session",
		OutputDir: dir,
		BatchSize: batchSize,
	}, clock, nil)
	return m, clock
}

func urlList(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site-%03d.example", i)
	}
	return urls
}

func successResult(url string, at time.Time) detect.Result {
	return detect.Result{
		URL:         url,
		Timestamp:   at,
		GTMDetected: true,
		GTMEvents:   []string{"gtm.js", "page_view"},
		Trackers:    []string{"Facebook Pixel"},
		TrackerDomains: []string{
			"connect.facebook.net",
		},
		TrackerDB:      trackerdb.Status{Loaded: true, PatternCount: 42, Source: trackerdb.SourceCache},
		Status:         detect.StatusSuccess,
		GoogleURLCount: 3,
		AnalysisTime:   1500 * time.Millisecond,
		RawURLs:        []string{"https://www.googletagmanager.com/gtm.js?id=GTM-1"},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestInitializeFreshSessionWritesHeader(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t, t.TempDir(), 100)
	info, err := m.Initialize(urlList(250))
	require.NoError(t, err)

	require.False(t, info.Resumed)
	require.Equal(t, 250, info.TotalURLs)
	require.Equal(t, 250, info.Remaining)
	require.Equal(t, 3, info.TotalBatches, "ceil(250/100)")

	rows := readCSV(t, m.CSVPath())
	require.Len(t, rows, 1)
	require.Equal(t, csvHeader, rows[0])

	_, err = os.Stat(filepath.Join(filepath.Dir(m.CSVPath()), "..", "progress", "test_session_progress.json"))
	require.NoError(t, err)
}

func TestBatchLifecycle(t *testing.T) {
	t.Parallel()

	m, clock := testManager(t, t.TempDir(), 100)
	urls := urlList(250)
	_, err := m.Initialize(urls)
	require.NoError(t, err)

	var sizes []int
	for batch := m.NextBatch(); batch != nil; batch = m.NextBatch() {
		sizes = append(sizes, len(batch))
		results := make([]detect.Result, 0, len(batch))
		for _, url := range batch {
			results = append(results, successResult(url, clock.Now()))
		}
		require.NoError(t, m.CommitBatch(batch, results))
		clock.advance(time.Minute)
	}

	require.Equal(t, []int{100, 100, 50}, sizes)

	stats := m.Stats()
	require.Equal(t, 250, stats.Completed)
	require.Equal(t, 0, stats.Failed)
	require.Equal(t, 3, stats.CurrentBatch)

	rows := readCSV(t, m.CSVPath())
	require.Len(t, rows, 251, "header plus one row per URL")
}

func TestCommitMarksMissingResultsFailed(t *testing.T) {
	t.Parallel()

	m, clock := testManager(t, t.TempDir(), 10)
	urls := urlList(10)
	_, err := m.Initialize(urls)
	require.NoError(t, err)

	batch := m.NextBatch()
	results := []detect.Result{
		successResult(batch[0], clock.Now()),
		{URL: batch[1], Timestamp: clock.Now(), Status: detect.StatusTimeout, ErrorText: "page load timeout"},
	}
	// batch[2:] produced no results at all.
	require.NoError(t, m.CommitBatch(batch, results))

	stats := m.Stats()
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 9, stats.Failed)
}

func TestCompletedAndFailedStayDisjoint(t *testing.T) {
	t.Parallel()

	m, clock := testManager(t, t.TempDir(), 5)
	urls := urlList(5)
	_, err := m.Initialize(urls)
	require.NoError(t, err)

	batch := m.NextBatch()
	failing := make([]detect.Result, 0, len(batch))
	for _, url := range batch {
		failing = append(failing, detect.Result{URL: url, Timestamp: clock.Now(), Status: detect.StatusError})
	}
	require.NoError(t, m.CommitBatch(batch, failing))
	require.Equal(t, 5, m.Stats().Failed)

	// A retry run succeeds: the URLs must move to completed, not stay failed.
	succeeding := make([]detect.Result, 0, len(batch))
	for _, url := range batch {
		succeeding = append(succeeding, successResult(url, clock.Now()))
	}
	require.NoError(t, m.CommitBatch(batch, succeeding))

	stats := m.Stats()
	require.Equal(t, 5, stats.Completed)
	require.Equal(t, 0, stats.Failed)
}

func TestResumeSkipsHandledURLs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	urls := urlList(250)

	first, clock := testManager(t, dir, 100)
	_, err := first.Initialize(urls)
	require.NoError(t, err)
	batch := first.NextBatch()
	results := make([]detect.Result, 0, len(batch))
	for _, url := range batch {
		results = append(results, successResult(url, clock.Now()))
	}
	require.NoError(t, first.CommitBatch(batch, results))

	second, _ := testManager(t, dir, 100)
	info, err := second.Initialize(urls)
	require.NoError(t, err)

	require.True(t, info.Resumed)
	require.Equal(t, 100, info.Completed)
	require.Equal(t, 150, info.Remaining)
	require.Equal(t, 1, info.CurrentBatch)

	next := second.NextBatch()
	require.Len(t, next, 100)
	for _, url := range next {
		require.NotContains(t, batch, url, "completed URL re-entered the queue")
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	urls := urlList(30)

	first, _ := testManager(t, dir, 10)
	_, err := first.Initialize(urls)
	require.NoError(t, err)

	infoA, err := testManagerResume(t, dir).Initialize(urls)
	require.NoError(t, err)
	infoB, err := testManagerResume(t, dir).Initialize(urls)
	require.NoError(t, err)

	require.Equal(t, infoA.Remaining, infoB.Remaining)
	require.Equal(t, infoA.Completed, infoB.Completed)
	require.Equal(t, infoA.CurrentBatch, infoB.CurrentBatch)
}

func testManagerResume(t *testing.T, dir string) *Manager {
	t.Helper()
	m, _ := testManager(t, dir, 10)
	return m
}

func TestResumeKeepsStoredBatchSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	urls := urlList(50)

	first, _ := testManager(t, dir, 10)
	_, err := first.Initialize(urls)
	require.NoError(t, err)

	// Reconfigured batch size must lose to the checkpointed one.
	second, _ := testManager(t, dir, 25)
	info, err := second.Initialize(urls)
	require.NoError(t, err)
	require.Equal(t, 10, info.BatchSize)
	require.Len(t, second.NextBatch(), 10)
}

func TestResumeRejectsSchemaMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	urls := urlList(10)

	first, _ := testManager(t, dir, 10)
	_, err := first.Initialize(urls)
	require.NoError(t, err)

	// Corrupt the results file with a reordered header.
	require.NoError(t, os.WriteFile(first.CSVPath(),
		[]byte("gtm_detected,url,consent_mode\n"), 0o644))

	second, _ := testManager(t, dir, 10)
	_, err = second.Initialize(urls)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCommitFailureDoesNotAdvanceState(t *testing.T) {
	t.Parallel()

	m, clock := testManager(t, t.TempDir(), 10)
	urls := urlList(10)
	_, err := m.Initialize(urls)
	require.NoError(t, err)

	// Make the append fail by removing the results file's directory entry and
	// replacing it with a directory of the same name.
	require.NoError(t, os.Remove(m.CSVPath()))
	require.NoError(t, os.Mkdir(m.CSVPath(), 0o755))

	batch := m.NextBatch()
	results := []detect.Result{successResult(batch[0], clock.Now())}
	require.Error(t, m.CommitBatch(batch, results))

	stats := m.Stats()
	require.Zero(t, stats.Completed, "failed commit must not mark URLs")
	require.Zero(t, stats.Failed)
}

func TestEncodeRowGatesDetailCells(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	gtm := successResult("https://shop.example", at)
	row := encodeRow(gtm)
	require.Len(t, row, len(csvHeader))
	require.Equal(t, "https://shop.example", row[0])
	require.Equal(t, "true", row[1])
	require.Equal(t, "gtm.js, page_view", row[3])
	require.Equal(t, "Facebook Pixel", row[4])
	require.Equal(t, "1", row[5])
	require.Equal(t, "connect.facebook.net", row[6])
	require.Equal(t, "42", row[7])
	require.Equal(t, "cache", row[8])
	require.Equal(t, "success", row[9])
	require.Equal(t, "1.50", row[11])
	require.Equal(t, "2025-06-01T12:00:00Z", row[12])
	require.Equal(t, `["https://www.googletagmanager.com/gtm.js?id=GTM-1"]`, row[13])

	plain := detect.Result{
		URL:       "https://plain.example",
		Timestamp: at,
		Status:    detect.StatusSuccess,
		TrackerDB: trackerdb.Status{Source: trackerdb.SourceNone},
	}
	row = encodeRow(plain)
	require.Equal(t, "not_applicable", row[3])
	require.Equal(t, "not_applicable", row[4])
	require.Equal(t, "not_applicable", row[6])
	require.Equal(t, "none", row[8])
	require.Equal(t, "[]", row[13])

	// GTM present but nothing attributed: applicable-but-empty reads "none".
	degraded := successResult("https://quiet.example", at)
	degraded.GTMEvents = nil
	degraded.Trackers = []string{}
	degraded.TrackerDomains = nil
	row = encodeRow(degraded)
	require.Equal(t, "none", row[3])
	require.Equal(t, "none", row[4])
	require.Equal(t, "none", row[6])
}

func TestExportFailedSortsURLs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, clock := testManager(t, dir, 3)
	urls := []string{"https://c.example", "https://a.example", "https://b.example"}
	_, err := m.Initialize(urls)
	require.NoError(t, err)

	batch := m.NextBatch()
	failing := make([]detect.Result, 0, len(batch))
	for _, url := range batch {
		failing = append(failing, detect.Result{URL: url, Timestamp: clock.Now(), Status: detect.StatusError})
	}
	require.NoError(t, m.CommitBatch(batch, failing))

	path, err := m.ExportFailed(filepath.Join(dir, "failed.txt"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "https://a.example\nhttps://b.example\nhttps://c.example\n", string(data))
}

func TestCleanupOldSessions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, clock := testManager(t, dir, 10)
	_, err := m.Initialize(urlList(10))
	require.NoError(t, err)

	stale := filepath.Join(dir, "progress", "old_session_progress.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))
	old := clock.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	deleted, err := m.CleanupOldSessions(7 * 24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "progress", "test_session_progress.json"))
	require.NoError(t, err, "fresh checkpoint must survive cleanup")
}
