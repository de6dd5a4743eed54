package trackerdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls database resolution.
type Config struct {
	// ReleaseURL is the release-metadata endpoint queried for the latest
	// published database.
	ReleaseURL string
	// CachePath is where the last successfully downloaded database lives.
	CachePath string
	// ArchivePaths is the ordered list of local archive locations tried
	// when every network source fails.
	ArchivePaths []string
	// CacheFreshFor is how long the cache satisfies Load without a remote
	// attempt.
	CacheFreshFor time.Duration
	// CacheMaxAge is the point past which a cache that failed to refresh
	// is deleted instead of reused.
	CacheMaxAge time.Duration
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// DownloadRetries is the number of extra attempts per asset download.
	DownloadRetries uint64
	// UserAgent is sent on all remote requests.
	UserAgent string
}

const (
	defaultCacheFreshFor  = 24 * time.Hour
	defaultCacheMaxAge    = 7 * 24 * time.Hour
	defaultRequestTimeout = 60 * time.Second
	defaultUserAgent      = "gtm-audit-crawler/1.0"
)

// Provider resolves the database through an ordered source chain and serves
// lookups against the resulting snapshot. The snapshot is replaced wholesale
// by Load and read-only afterwards.
type Provider struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger
	client *http.Client

	mu   sync.RWMutex
	snap *Snapshot
}

// New creates a Provider. A nil logger is replaced with a no-op logger.
func New(cfg Config, clock Clock, logger *zap.Logger) *Provider {
	if cfg.CacheFreshFor <= 0 {
		cfg.CacheFreshFor = defaultCacheFreshFor
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = defaultCacheMaxAge
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// source is one strategy in the resolution chain. Adding, removing, or
// reordering sources is a data change in Provider.sources.
type source struct {
	name Source
	load func(ctx context.Context) (*Snapshot, error)
}

func (p *Provider) sources() []source {
	return []source{
		{SourceCache, p.loadFreshCache},
		{SourceRemote, p.loadRemote},
		{SourceExpiredCache, p.loadExpiredCache},
		{SourceLocalArchive, p.loadLocalArchive},
	}
}

// Load walks the source chain, short-circuiting on the first success. It
// never synthesizes placeholder patterns; when every source fails the
// provider stays unloaded and lookups return nothing.
func (p *Provider) Load(ctx context.Context) (Status, bool) {
	for _, src := range p.sources() {
		snap, err := src.load(ctx)
		if err != nil {
			p.logger.Debug("trackerdb source failed",
				zap.String("source", string(src.name)),
				zap.Error(err),
			)
			continue
		}
		p.mu.Lock()
		p.snap = snap
		p.mu.Unlock()

		p.logger.Info("trackerdb loaded",
			zap.String("source", string(snap.Source)),
			zap.Int("patterns", snap.PatternCount),
			zap.Int("domains", snap.DomainCount),
		)
		if snap.Source == SourceExpiredCache {
			p.logger.Warn("using expired trackerdb cache, attribution confidence degraded")
		}
		return p.Status(), true
	}

	p.logger.Error("trackerdb unavailable from all sources, tracker attribution disabled")
	return p.Status(), false
}

// Status reports the active snapshot without exposing it.
func (p *Provider) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snap == nil {
		return Status{Source: SourceNone}
	}
	return Status{
		Loaded:       true,
		PatternCount: p.snap.PatternCount,
		DomainCount:  p.snap.DomainCount,
		Source:       p.snap.Source,
	}
}

// Identify matches a request URL against the domain index: exact host match
// first, then subdomain-tolerant suffix/substring match. Returns nil when the
// provider never loaded or nothing matches.
func (p *Provider) Identify(rawURL string) *Match {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap == nil {
		return nil
	}

	host := hostOf(rawURL)
	if host == "" {
		return nil
	}

	if pattern, ok := snap.domainIndex[host]; ok {
		return &Match{Pattern: pattern, MatchedDomain: host, RequestURL: rawURL}
	}
	for tracked, pattern := range snap.domainIndex {
		if strings.HasSuffix(host, "."+tracked) || strings.Contains(host, tracked) {
			return &Match{Pattern: pattern, MatchedDomain: tracked, RequestURL: rawURL}
		}
	}
	return nil
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(strings.ToLower(rawURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	return normalizeDomain(parsed.Hostname())
}

func (p *Provider) cacheAge() (time.Duration, error) {
	info, err := os.Stat(p.cfg.CachePath)
	if err != nil {
		return 0, fmt.Errorf("stat cache: %w", err)
	}
	return p.clock.Now().Sub(info.ModTime()), nil
}

func (p *Provider) loadFreshCache(_ context.Context) (*Snapshot, error) {
	age, err := p.cacheAge()
	if err != nil {
		return nil, err
	}
	if age >= p.cfg.CacheFreshFor {
		return nil, fmt.Errorf("cache expired (age %s)", age.Round(time.Minute))
	}
	data, err := os.ReadFile(p.cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	return parseSnapshot(data, SourceCache, p.clock.Now())
}

// loadExpiredCache runs only after the remote attempt failed. A cache past
// CacheMaxAge is deleted outright so stale data never lingers indefinitely.
func (p *Provider) loadExpiredCache(_ context.Context) (*Snapshot, error) {
	age, err := p.cacheAge()
	if err != nil {
		return nil, err
	}
	if age > p.cfg.CacheMaxAge {
		if rmErr := os.Remove(p.cfg.CachePath); rmErr != nil {
			p.logger.Error("delete stale trackerdb cache failed", zap.Error(rmErr))
		} else {
			p.logger.Info("deleted stale trackerdb cache",
				zap.Duration("age", age.Round(time.Hour)),
			)
		}
		return nil, fmt.Errorf("cache too old to reuse (age %s)", age.Round(time.Hour))
	}
	data, err := os.ReadFile(p.cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	return parseSnapshot(data, SourceExpiredCache, p.clock.Now())
}

func (p *Provider) loadLocalArchive(_ context.Context) (*Snapshot, error) {
	for _, path := range p.cfg.ArchivePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		p.logger.Debug("found local trackerdb archive", zap.String("path", path))
		extracted, err := extractDatabaseJSON(data)
		if err != nil {
			p.logger.Debug("local archive unusable", zap.String("path", path), zap.Error(err))
			continue
		}
		return parseSnapshot(extracted, SourceLocalArchive, p.clock.Now())
	}
	return nil, fmt.Errorf("no usable archive at any of %d fallback paths", len(p.cfg.ArchivePaths))
}
