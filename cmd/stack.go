package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/browser"
	"github.com/tagaudit/gtm-audit-crawler/internal/clock/system"
	"github.com/tagaudit/gtm-audit-crawler/internal/config"
	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
	"github.com/tagaudit/gtm-audit-crawler/internal/progress"
	"github.com/tagaudit/gtm-audit-crawler/internal/progress/sinks"
	"github.com/tagaudit/gtm-audit-crawler/internal/runner"
	"github.com/tagaudit/gtm-audit-crawler/internal/session"
	"github.com/tagaudit/gtm-audit-crawler/internal/trackerdb"
)

// stack bundles the long-lived services a crawl needs.
type stack struct {
	browser *browser.Browser
	hub     *progress.Hub
	runner  *runner.Runner
	metrics *http.Server
	logger  *zap.Logger
}

// browserPages adapts the shared browser to the runner's page source.
type browserPages struct {
	b *browser.Browser
}

func (p browserPages) Open() (detect.Page, func(), error) {
	page, err := p.b.NewPage()
	if err != nil {
		return nil, nil, err
	}
	return page, page.Close, nil
}

// buildStack wires the tracker provider, detection engine, browser, session
// checkpoint, and progress pipeline from configuration.
func buildStack(cfg config.Config, sessionName string, skipURLs []string, logger *zap.Logger) (*stack, error) {
	clock := system.New()

	provider := trackerdb.New(cfg.ProviderConfig(), clock, logger.Named("trackerdb"))
	engine := detect.New(cfg.EngineConfig(), provider, clock, logger.Named("detect"))
	chrome := browser.NewBrowser(cfg.BrowserOptions(), logger.Named("browser"))

	sessionCfg := cfg.SessionManagerConfig()
	if sessionName != "" {
		sessionCfg.Name = sessionName
	}
	manager := session.NewManager(sessionCfg, clock, logger.Named("session"))
	if n, err := manager.CleanupOldSessions(7 * 24 * time.Hour); err != nil {
		logger.Warn("stale session cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed stale session progress files", zap.Int("removed", n))
	}

	sinkList := []progress.Sink{sinks.NewLogSink(logger.Named("progress"))}
	if cfg.Metrics.Enabled {
		promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			chrome.Close()
			return nil, fmt.Errorf("init prometheus sink: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if cfg.Progress.TrailPath != "" {
		trailSink, err := sinks.NewJSONLSink(cfg.Progress.TrailPath)
		if err != nil {
			chrome.Close()
			return nil, fmt.Errorf("init progress trail: %w", err)
		}
		sinkList = append(sinkList, trailSink)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")}, sinkList...)

	runnerCfg := cfg.RunnerConfig()
	runnerCfg.SkipURLs = append(runnerCfg.SkipURLs, skipURLs...)
	run := runner.New(runnerCfg, engine, browserPages{b: chrome}, provider, manager, hub, clock, logger.Named("runner"))

	s := &stack{
		browser: chrome,
		hub:     hub,
		runner:  run,
		logger:  logger,
	}
	if cfg.Metrics.Enabled {
		s.metrics = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// serveMetrics starts the Prometheus endpoint, if configured.
func (s *stack) serveMetrics(stop context.CancelFunc) {
	if s.metrics == nil {
		return
	}
	go func() {
		s.logger.Info("metrics server started", zap.String("addr", s.metrics.Addr))
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
			stop()
		}
	}()
}

// close tears the stack down in reverse order.
func (s *stack) close() {
	if s.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics shutdown error", zap.Error(err))
		}
		cancel()
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.hub.Close(closeCtx); err != nil {
		s.logger.Warn("progress hub close error", zap.Error(err))
	}
	cancel()
	s.browser.Close()
}
