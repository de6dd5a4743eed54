// Package runner executes crawl sessions: it loads the tracker database once,
// walks the URL workload batch by batch, analyzes each page on a fresh tab,
// and commits results through the session checkpoint.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
	ids "github.com/tagaudit/gtm-audit-crawler/internal/id/uuid"
	"github.com/tagaudit/gtm-audit-crawler/internal/progress"
	"github.com/tagaudit/gtm-audit-crawler/internal/session"
	"github.com/tagaudit/gtm-audit-crawler/internal/trackerdb"
)

// Analyzer runs the detection pipeline for one URL.
type Analyzer interface {
	Analyze(ctx context.Context, page detect.Page, url string) detect.Result
}

// PageOpener hands out fresh pages; the returned closer tears the page down.
type PageOpener interface {
	Open() (detect.Page, func(), error)
}

// TrackerLoader is the subset of the tracker database provider the runner
// drives directly.
type TrackerLoader interface {
	Load(ctx context.Context) (trackerdb.Status, bool)
}

// Checkpoint is the session state the runner advances batch by batch.
type Checkpoint interface {
	Initialize(urls []string) (session.SessionInfo, error)
	NextBatch() []string
	CommitBatch(urls []string, results []detect.Result) error
	ShouldSave(force bool) bool
	SaveProgress() error
	Stats() session.Stats
	ExportFailed(path string) (string, error)
}

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
}

// Config controls pacing and workload trimming.
type Config struct {
	// DelayMin/Max bound the randomized pause between consecutive page
	// analyses; bursts of navigations look like automation.
	DelayMin time.Duration
	DelayMax time.Duration
	// SkipURLs are recorded as skipped without opening a page.
	SkipURLs []string
}

const (
	defaultDelayMin = 2 * time.Second
	defaultDelayMax = 5 * time.Second
)

// Runner drives one session end to end.
type Runner struct {
	cfg        Config
	analyzer   Analyzer
	pages      PageOpener
	tracker    TrackerLoader
	checkpoint Checkpoint
	emitter    progress.Emitter
	clock      Clock
	logger     *zap.Logger
	sessionID  [16]byte
	randFn     func() float64
	skip       map[string]struct{}
}

// New constructs a Runner. A nil emitter or logger is replaced with a no-op.
func New(
	cfg Config,
	analyzer Analyzer,
	pages PageOpener,
	tracker TrackerLoader,
	checkpoint Checkpoint,
	emitter progress.Emitter,
	clock Clock,
	logger *zap.Logger,
) *Runner {
	if cfg.DelayMin <= 0 {
		cfg.DelayMin = defaultDelayMin
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = defaultDelayMax
	}
	if emitter == nil {
		emitter = progress.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]struct{}, len(cfg.SkipURLs))
	for _, u := range cfg.SkipURLs {
		skip[u] = struct{}{}
	}
	return &Runner{
		cfg:        cfg,
		analyzer:   analyzer,
		pages:      pages,
		tracker:    tracker,
		checkpoint: checkpoint,
		emitter:    emitter,
		clock:      clock,
		logger:     logger,
		sessionID:  progress.UUIDToBytes(ids.NewSession()),
		randFn:     rand.Float64,
		skip:       skip,
	}
}

// Run processes the full workload and returns the final session stats. It
// stops early on context cancellation or when a batch cannot be committed;
// per-URL failures never stop the session.
func (r *Runner) Run(ctx context.Context, urls []string) (session.Stats, error) {
	start := r.clock.Now()

	dbStatus, loaded := r.tracker.Load(ctx)
	if !loaded {
		// Detection still works without tracker identities; attribution
		// degrades and results carry data source "none".
		r.logger.Warn("tracker database unavailable, continuing without it")
	}
	r.logger.Info("tracker database ready",
		zap.Bool("loaded", dbStatus.Loaded),
		zap.Int("patterns", dbStatus.PatternCount),
		zap.String("source", string(dbStatus.Source)),
	)

	info, err := r.checkpoint.Initialize(urls)
	if err != nil {
		return session.Stats{}, fmt.Errorf("initialize session: %w", err)
	}
	r.emit(progress.Event{Stage: progress.StageSessionStart, Note: info.Name})

	outcomes := map[detect.Status]int{}
	for batch := r.checkpoint.NextBatch(); batch != nil; batch = r.checkpoint.NextBatch() {
		results, err := r.processBatch(ctx, batch, dbStatus)
		if err != nil {
			r.emit(progress.Event{
				Stage: progress.StageSessionError,
				Dur:   r.clock.Now().Sub(start),
				Note:  err.Error(),
			})
			return r.checkpoint.Stats(), err
		}
		if err := r.checkpoint.CommitBatch(batch, results); err != nil {
			r.emit(progress.Event{
				Stage: progress.StageSessionError,
				Dur:   r.clock.Now().Sub(start),
				Note:  err.Error(),
			})
			return r.checkpoint.Stats(), fmt.Errorf("commit batch: %w", err)
		}
		for _, result := range results {
			outcomes[result.Status]++
		}
		stats := r.checkpoint.Stats()
		r.emit(progress.Event{Stage: progress.StageBatchDone, Batch: stats.CurrentBatch})
	}

	stats := r.checkpoint.Stats()
	if stats.Failed > 0 {
		if path, err := r.checkpoint.ExportFailed(""); err != nil {
			r.logger.Warn("failed url export failed", zap.Error(err))
		} else {
			r.logger.Info("failed urls written for retry", zap.String("path", path))
		}
	}

	r.emit(progress.Event{Stage: progress.StageSessionDone, Dur: r.clock.Now().Sub(start)})
	r.logger.Info("session finished",
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("success", outcomes[detect.StatusSuccess]),
		zap.Int("timeouts", outcomes[detect.StatusTimeout]),
		zap.Int("errors", outcomes[detect.StatusError]),
		zap.Int("skipped", outcomes[detect.StatusSkipped]),
		zap.Float64("completion_percent", stats.CompletionPercent),
		zap.Duration("elapsed", stats.Elapsed),
	)
	if stats.CompletionPercent < 100 {
		r.logger.Warn("session finished incomplete",
			zap.Int("failed", stats.Failed),
			zap.Float64("completion_percent", stats.CompletionPercent),
		)
	}
	return stats, nil
}

func (r *Runner) processBatch(ctx context.Context, batch []string, dbStatus trackerdb.Status) ([]detect.Result, error) {
	results := make([]detect.Result, 0, len(batch))
	for i, pageURL := range batch {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("batch interrupted: %w", err)
		}
		if i > 0 {
			r.pause(ctx)
		}

		result := r.analyzeOne(ctx, pageURL, dbStatus)
		results = append(results, result)

		r.emit(progress.Event{
			Stage:       progress.StageAnalysisDone,
			Site:        hostLabel(pageURL),
			URL:         pageURL,
			Outcome:     progress.ClassifyOutcome(string(result.Status)),
			GTMDetected: result.GTMDetected,
			Trackers:    len(result.Trackers),
			Dur:         result.AnalysisTime,
			Note:        result.ErrorText,
		})

		// Mid-batch saves keep the progress file current on long batches;
		// results only reach the CSV at commit.
		if r.checkpoint.ShouldSave(false) {
			if err := r.checkpoint.SaveProgress(); err != nil {
				r.logger.Warn("progress save failed", zap.Error(err))
			}
		}
	}
	return results, nil
}

func (r *Runner) analyzeOne(ctx context.Context, pageURL string, dbStatus trackerdb.Status) detect.Result {
	if _, skipped := r.skip[pageURL]; skipped {
		r.logger.Info("url on skip list", zap.String("url", pageURL))
		return detect.SkippedResult(pageURL, dbStatus, r.clock.Now())
	}

	page, closePage, err := r.pages.Open()
	if err != nil {
		r.logger.Error("page open failed", zap.String("url", pageURL), zap.Error(err))
		return detect.Result{
			URL:       pageURL,
			Timestamp: r.clock.Now(),
			TrackerDB: dbStatus,
			Status:    detect.StatusError,
			RawURLs:   []string{},
			ErrorText: fmt.Sprintf("open page: %v", err),
		}
	}
	defer closePage()
	return r.analyzer.Analyze(ctx, page, pageURL)
}

// pause sleeps a randomized human-ish interval, returning early if the
// context ends.
func (r *Runner) pause(ctx context.Context) {
	spread := r.cfg.DelayMax - r.cfg.DelayMin
	delay := r.cfg.DelayMin + time.Duration(r.randFn()*float64(spread))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (r *Runner) emit(evt progress.Event) {
	evt.SessionID = r.sessionID
	evt.TS = r.clock.Now()
	r.emitter.Emit(evt)
}

func hostLabel(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return parsed.Host
}
