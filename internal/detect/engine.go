// Package detect drives one page through navigation, consent dismissal, and
// signal collection, and classifies GTM usage from what it observed.
package detect

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/trackerdb"
)

// phase tracks where in the per-URL state machine an analysis is. Error
// results carry the phase they failed in.
type phase string

const (
	phaseIdle            phase = "idle"
	phaseMonitoringArmed phase = "network_monitoring_armed"
	phaseNavigated       phase = "navigated"
	phaseConsentHandled  phase = "consent_handled"
	phaseSignalsSettled  phase = "signals_settled"
	phaseClassified      phase = "classified"
)

// TrackerProvider is the identity source for attributed requests.
type TrackerProvider interface {
	Identify(url string) *trackerdb.Match
	Status() trackerdb.Status
}

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
}

// Config controls per-analysis timing.
type Config struct {
	// NavigationTimeout bounds each navigation attempt.
	NavigationTimeout time.Duration
	// RetryBackoffMin/Max bound the randomized delay before the single
	// navigation retry.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// PostLoadSettle lets scripts load after navigation.
	PostLoadSettle time.Duration
	// PostConsentSettle lets GTM fire after a consent signal; many
	// implementations gate tags on it.
	PostConsentSettle time.Duration
	// TrackerSettle is the final wait for tracker responses.
	TrackerSettle time.Duration
	// RecollectWait is the extra wait before the one re-collection when no
	// Google URLs were found (tags can fire late).
	RecollectWait time.Duration
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultRetryBackoffMin   = 3 * time.Second
	defaultRetryBackoffMax   = 7 * time.Second
	defaultPostLoadSettle    = 5 * time.Second
	defaultPostConsentSettle = 3 * time.Second
	defaultTrackerSettle     = 3 * time.Second
	defaultRecollectWait     = 5 * time.Second
)

// Engine analyzes pages one at a time. It owns no browser state; every call
// gets a fresh signal context, so a single Engine may serve multiple workers
// as long as each worker brings its own Page.
type Engine struct {
	cfg      Config
	provider TrackerProvider
	clock    Clock
	logger   *zap.Logger
	randFn   func() float64
}

// New creates an Engine. A nil logger is replaced with a no-op logger.
func New(cfg Config, provider TrackerProvider, clock Clock, logger *zap.Logger) *Engine {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.RetryBackoffMin <= 0 {
		cfg.RetryBackoffMin = defaultRetryBackoffMin
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoffMin {
		cfg.RetryBackoffMax = defaultRetryBackoffMax
	}
	if cfg.PostLoadSettle <= 0 {
		cfg.PostLoadSettle = defaultPostLoadSettle
	}
	if cfg.PostConsentSettle <= 0 {
		cfg.PostConsentSettle = defaultPostConsentSettle
	}
	if cfg.TrackerSettle <= 0 {
		cfg.TrackerSettle = defaultTrackerSettle
	}
	if cfg.RecollectWait <= 0 {
		cfg.RecollectWait = defaultRecollectWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		provider: provider,
		clock:    clock,
		logger:   logger,
		randFn:   rand.Float64,
	}
}

// Analyze runs the full detection pipeline for one URL. Per-URL failures are
// folded into the returned Result and never escalate to the caller.
func (e *Engine) Analyze(ctx context.Context, page Page, pageURL string) Result {
	start := e.clock.Now()
	current := phaseIdle
	signals := newSignalContext()

	// Arm capture before navigation so requests racing the load are kept.
	cancelRequests := page.OnRequest(signals.recordRequest)
	defer cancelRequests()
	cancelConsole := page.OnConsole(signals.recordConsole)
	defer cancelConsole()
	current = phaseMonitoringArmed

	if err := e.navigateWithRetry(ctx, page, pageURL); err != nil {
		e.logger.Warn("navigation failed after retry",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return e.terminalResult(pageURL, StatusTimeout, "page load timeout", start)
	}
	current = phaseNavigated

	e.wait(ctx, e.cfg.PostLoadSettle)
	e.dismissConsent(ctx, page, pageURL)
	current = phaseConsentHandled
	e.wait(ctx, e.cfg.PostConsentSettle)

	// Best effort; interaction-gated tags are a bonus, not a requirement.
	e.interact(ctx, page)
	e.wait(ctx, e.cfg.TrackerSettle)
	current = phaseSignalsSettled

	googleURLs, err := e.collectGoogleURLs(ctx, page)
	if err != nil {
		return e.terminalResult(pageURL, StatusError,
			fmt.Sprintf("phase %s: %v", current, err), start)
	}
	e.collectCookies(ctx, page, signals)
	e.collectStorage(ctx, page, signals)

	gtmDetected := detectGTM(googleURLs)
	current = phaseClassified

	result := Result{
		URL:            pageURL,
		Timestamp:      start,
		GTMDetected:    gtmDetected,
		TrackerDB:      e.providerStatus(),
		Status:         StatusSuccess,
		GoogleURLCount: len(googleURLs),
		RawURLs:        googleURLs,
	}

	if gtmDetected {
		result.ConsentMode = detectConsentMode(googleURLs)
		result.GTMEvents = e.collectEvents(ctx, page)
		result.Trackers, result.TrackerDomains = e.extractTrackers(signals, gtmDetected)
	}

	result.AnalysisTime = e.clock.Now().Sub(start)

	requests, console, cookies := signals.counts()
	e.logger.Info("analysis complete",
		zap.String("url", pageURL),
		zap.String("phase", string(current)),
		zap.Bool("gtm", result.GTMDetected),
		zap.Bool("consent_mode", result.ConsentMode),
		zap.Int("google_urls", result.GoogleURLCount),
		zap.Int("requests", requests),
		zap.Int("console_messages", console),
		zap.Int("cookies", cookies),
		zap.Duration("took", result.AnalysisTime),
	)
	return result
}

func (e *Engine) navigateWithRetry(ctx context.Context, page Page, pageURL string) error {
	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			e.wait(ctx, e.retryBackoff())
		}
		navCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
		err := page.Navigate(navCtx, pageURL)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Debug("navigation attempt failed",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (e *Engine) retryBackoff() time.Duration {
	spread := e.cfg.RetryBackoffMax - e.cfg.RetryBackoffMin
	return e.cfg.RetryBackoffMin + time.Duration(e.randFn()*float64(spread))
}

func (e *Engine) dismissConsent(ctx context.Context, page Page, pageURL string) {
	var clicked string
	if err := page.Evaluate(ctx, consentClickScript, &clicked); err != nil {
		e.logger.Debug("consent dismissal errored", zap.String("url", pageURL), zap.Error(err))
		return
	}
	if clicked == "" {
		e.logger.Debug("no consent banner found", zap.String("url", pageURL))
		return
	}
	e.logger.Debug("consent banner dismissed",
		zap.String("url", pageURL),
		zap.String("via", clicked),
	)
}

func (e *Engine) interact(ctx context.Context, page Page) {
	var ok bool
	_ = page.Evaluate(ctx, interactionScript, &ok)
}

func (e *Engine) collectGoogleURLs(ctx context.Context, page Page) ([]string, error) {
	var urls []string
	if err := page.Evaluate(ctx, googleURLsScript, &urls); err != nil {
		return nil, fmt.Errorf("collect resource entries: %w", err)
	}
	if len(urls) == 0 {
		// Tags can fire late; wait once more and re-collect.
		e.wait(ctx, e.cfg.RecollectWait)
		if err := page.Evaluate(ctx, googleURLsScript, &urls); err != nil {
			return nil, fmt.Errorf("re-collect resource entries: %w", err)
		}
	}
	return urls, nil
}

func (e *Engine) collectEvents(ctx context.Context, page Page) []string {
	var events []string
	if err := page.Evaluate(ctx, dataLayerEventsScript, &events); err != nil {
		e.logger.Debug("event queue read failed", zap.Error(err))
		return []string{}
	}
	if events == nil {
		events = []string{}
	}
	return events
}

func (e *Engine) collectCookies(ctx context.Context, page Page, signals *signalContext) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		e.logger.Debug("cookie enumeration failed", zap.Error(err))
		return
	}
	signals.setCookies(cookies)
}

func (e *Engine) collectStorage(ctx context.Context, page Page, signals *signalContext) {
	var keys storageKeys
	if err := page.Evaluate(ctx, storageKeysScript, &keys); err != nil {
		e.logger.Debug("storage enumeration failed", zap.Error(err))
		return
	}
	signals.setStorageKeys(keys)
}

// extractTrackers scores every captured request against the GTM load time and
// resolves attributed requests through the provider. Requests the provider
// cannot name are silently excluded; nothing is ever fabricated.
func (e *Engine) extractTrackers(signals *signalContext, gtmDetected bool) ([]string, []string) {
	names := []string{}
	domains := []string{}
	if !e.providerStatus().Loaded || !gtmDetected {
		return names, domains
	}

	gtmLoadAt := signals.gtmLoadTime()
	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}

	for _, request := range signals.snapshotRequests() {
		if strings.Contains(request.URL, "googletagmanager.com") {
			continue
		}
		score := AttributionScore(request.Timestamp, gtmLoadAt, gtmDetected)
		if score <= attributionThreshold {
			continue
		}
		match := e.provider.Identify(request.URL)
		if match == nil {
			continue
		}
		if _, ok := seenNames[match.Pattern.Name]; !ok {
			seenNames[match.Pattern.Name] = struct{}{}
			names = append(names, match.Pattern.Name)
		}
		if host := requestHost(request.URL); host != "" {
			if _, ok := seenDomains[host]; !ok {
				seenDomains[host] = struct{}{}
				domains = append(domains, host)
			}
		}
	}

	sort.Strings(names)
	sort.Strings(domains)
	return names, domains
}

func (e *Engine) providerStatus() trackerdb.Status {
	if e.provider == nil {
		return trackerdb.Status{Source: trackerdb.SourceNone}
	}
	return e.provider.Status()
}

func (e *Engine) terminalResult(pageURL string, status Status, errText string, start time.Time) Result {
	return Result{
		URL:          pageURL,
		Timestamp:    start,
		TrackerDB:    e.providerStatus(),
		Status:       status,
		AnalysisTime: e.clock.Now().Sub(start),
		RawURLs:      []string{},
		ErrorText:    errText,
	}
}

func (e *Engine) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func requestHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
