// Package config loads and validates audit crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tagaudit/gtm-audit-crawler/internal/browser"
	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
	"github.com/tagaudit/gtm-audit-crawler/internal/runner"
	"github.com/tagaudit/gtm-audit-crawler/internal/session"
	"github.com/tagaudit/gtm-audit-crawler/internal/trackerdb"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Detect    DetectConfig    `mapstructure:"detect"`
	TrackerDB TrackerDBConfig `mapstructure:"trackerdb"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// SessionConfig controls checkpoint layout and batching.
type SessionConfig struct {
	Name                string `mapstructure:"name"`
	OutputDir           string `mapstructure:"output_dir"`
	BatchSize           int    `mapstructure:"batch_size"`
	SaveIntervalSeconds int    `mapstructure:"save_interval_seconds"`
}

// CrawlConfig governs workload selection and pacing.
type CrawlConfig struct {
	URLFile         string   `mapstructure:"url_file"`
	MaxURLs         int      `mapstructure:"max_urls"`
	StartBatch      int      `mapstructure:"start_batch"`
	NumBatches      int      `mapstructure:"num_batches"`
	DelayMinSeconds int      `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds int      `mapstructure:"delay_max_seconds"`
	SkipURLs        []string `mapstructure:"skip_urls"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	UserAgent string `mapstructure:"user_agent"`
}

// DetectConfig configures per-page analysis timing.
type DetectConfig struct {
	NavTimeoutSeconds        int `mapstructure:"nav_timeout_seconds"`
	RetryBackoffMinSeconds   int `mapstructure:"retry_backoff_min_seconds"`
	RetryBackoffMaxSeconds   int `mapstructure:"retry_backoff_max_seconds"`
	PostLoadSettleSeconds    int `mapstructure:"post_load_settle_seconds"`
	PostConsentSettleSeconds int `mapstructure:"post_consent_settle_seconds"`
	TrackerSettleSeconds     int `mapstructure:"tracker_settle_seconds"`
	RecollectWaitSeconds     int `mapstructure:"recollect_wait_seconds"`
}

// TrackerDBConfig configures the tracker database source chain.
type TrackerDBConfig struct {
	ReleaseURL            string   `mapstructure:"release_url"`
	CachePath             string   `mapstructure:"cache_path"`
	ArchivePaths          []string `mapstructure:"archive_paths"`
	CacheFreshHours       int      `mapstructure:"cache_fresh_hours"`
	CacheMaxAgeDays       int      `mapstructure:"cache_max_age_days"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	DownloadRetries       int      `mapstructure:"download_retries"`
	UserAgent             string   `mapstructure:"user_agent"`
}

// ProgressConfig configures progress export.
type ProgressConfig struct {
	TrailPath string `mapstructure:"trail_path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment. Environment variables use the
// TAGAUDIT_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TAGAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.output_dir", "output")
	v.SetDefault("session.batch_size", 100)
	v.SetDefault("session.save_interval_seconds", 30)
	v.SetDefault("crawl.delay_min_seconds", 2)
	v.SetDefault("crawl.delay_max_seconds", 5)
	v.SetDefault("crawl.start_batch", 1)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("detect.nav_timeout_seconds", 45)
	v.SetDefault("detect.retry_backoff_min_seconds", 3)
	v.SetDefault("detect.retry_backoff_max_seconds", 7)
	v.SetDefault("detect.post_load_settle_seconds", 5)
	v.SetDefault("detect.post_consent_settle_seconds", 3)
	v.SetDefault("detect.tracker_settle_seconds", 3)
	v.SetDefault("detect.recollect_wait_seconds", 5)
	v.SetDefault("trackerdb.release_url",
		"https://api.github.com/repos/ghostery/trackerdb/releases/latest")
	v.SetDefault("trackerdb.cache_path", "data/trackerdb/trackerdb.json")
	v.SetDefault("trackerdb.archive_paths", []string{"data/trackerdb/trackerdb.zip"})
	v.SetDefault("trackerdb.cache_fresh_hours", 24)
	v.SetDefault("trackerdb.cache_max_age_days", 7)
	v.SetDefault("trackerdb.request_timeout_seconds", 60)
	v.SetDefault("trackerdb.download_retries", 3)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Session.BatchSize <= 0 {
		return fmt.Errorf("session.batch_size must be > 0")
	}
	if c.Session.OutputDir == "" {
		return fmt.Errorf("session.output_dir must be set")
	}
	if c.Crawl.DelayMinSeconds < 0 || c.Crawl.DelayMaxSeconds < c.Crawl.DelayMinSeconds {
		return fmt.Errorf("crawl delay range is invalid")
	}
	if c.Crawl.StartBatch < 1 {
		return fmt.Errorf("crawl.start_batch must be >= 1")
	}
	if c.Detect.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("detect.nav_timeout_seconds must be > 0")
	}
	if c.TrackerDB.CacheFreshHours <= 0 {
		return fmt.Errorf("trackerdb.cache_fresh_hours must be > 0")
	}
	if c.TrackerDB.CacheMaxAgeDays <= 0 {
		return fmt.Errorf("trackerdb.cache_max_age_days must be > 0")
	}
	if c.TrackerDB.DownloadRetries < 0 {
		return fmt.Errorf("trackerdb.download_retries must be >= 0")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	return nil
}

// SessionManagerConfig converts to the session package's form.
func (c Config) SessionManagerConfig() session.Config {
	return session.Config{
		Name:         c.Session.Name,
		OutputDir:    c.Session.OutputDir,
		BatchSize:    c.Session.BatchSize,
		SaveInterval: time.Duration(c.Session.SaveIntervalSeconds) * time.Second,
	}
}

// EngineConfig converts to the detect package's form.
func (c Config) EngineConfig() detect.Config {
	return detect.Config{
		NavigationTimeout: time.Duration(c.Detect.NavTimeoutSeconds) * time.Second,
		RetryBackoffMin:   time.Duration(c.Detect.RetryBackoffMinSeconds) * time.Second,
		RetryBackoffMax:   time.Duration(c.Detect.RetryBackoffMaxSeconds) * time.Second,
		PostLoadSettle:    time.Duration(c.Detect.PostLoadSettleSeconds) * time.Second,
		PostConsentSettle: time.Duration(c.Detect.PostConsentSettleSeconds) * time.Second,
		TrackerSettle:     time.Duration(c.Detect.TrackerSettleSeconds) * time.Second,
		RecollectWait:     time.Duration(c.Detect.RecollectWaitSeconds) * time.Second,
	}
}

// ProviderConfig converts to the trackerdb package's form.
func (c Config) ProviderConfig() trackerdb.Config {
	return trackerdb.Config{
		ReleaseURL:      c.TrackerDB.ReleaseURL,
		CachePath:       c.TrackerDB.CachePath,
		ArchivePaths:    append([]string(nil), c.TrackerDB.ArchivePaths...),
		CacheFreshFor:   time.Duration(c.TrackerDB.CacheFreshHours) * time.Hour,
		CacheMaxAge:     time.Duration(c.TrackerDB.CacheMaxAgeDays) * 24 * time.Hour,
		RequestTimeout:  time.Duration(c.TrackerDB.RequestTimeoutSeconds) * time.Second,
		DownloadRetries: uint64(c.TrackerDB.DownloadRetries),
		UserAgent:       c.TrackerDB.UserAgent,
	}
}

// RunnerConfig converts to the runner package's form.
func (c Config) RunnerConfig() runner.Config {
	return runner.Config{
		DelayMin: time.Duration(c.Crawl.DelayMinSeconds) * time.Second,
		DelayMax: time.Duration(c.Crawl.DelayMaxSeconds) * time.Second,
		SkipURLs: append([]string(nil), c.Crawl.SkipURLs...),
	}
}

// BrowserOptions converts to the browser package's form.
func (c Config) BrowserOptions() browser.Config {
	return browser.Config{UserAgent: c.Browser.UserAgent}
}
