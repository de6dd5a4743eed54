package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tagaudit/gtm-audit-crawler/internal/progress"
)

// PrometheusSink exports audit progress metrics. It owns all collectors for
// sessions started/completed/running, per-outcome analysis counters, and GTM
// detection totals.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	analyses         *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	gtmDetected      prometheus.Counter
	trackersFound    prometheus.Counter
	batchesCommitted prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_sessions_completed_total",
			Help: "Total crawl sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_sessions_running",
			Help: "Current number of running crawl sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_session_runtime_seconds",
			Help:    "Wall time per completed session.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_analyses_total",
			Help: "Page analyses partitioned by outcome.",
		}, []string{"outcome"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_analysis_duration_seconds",
			Help:    "Analysis duration partitioned by outcome.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 120},
		}, []string{"outcome"}),
		gtmDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_gtm_detected_total",
			Help: "Pages on which Google Tag Manager was detected.",
		}),
		trackersFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_trackers_attributed_total",
			Help: "Third-party trackers attributed to GTM across all pages.",
		}),
		batchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_batches_committed_total",
			Help: "Result batches committed to the session checkpoint.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.analyses,
		s.analysisDuration,
		s.gtmDetected,
		s.trackersFound,
		s.batchesCommitted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. Safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart, progress.StageSessionDone, progress.StageSessionError:
		s.handleSessionEvent(evt)
	case progress.StageBatchDone:
		s.batchesCommitted.Inc()
	case progress.StageAnalysisDone:
		s.handleAnalysisEvent(evt)
	}
}

func (s *PrometheusSink) handleSessionEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.sessionsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageSessionError:
		s.sessionsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageSessionStart && s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleAnalysisEvent(evt progress.Event) {
	outcome := string(evt.Outcome)
	if outcome == "" {
		outcome = string(progress.OutcomeOther)
	}
	s.analyses.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.analysisDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
	if evt.GTMDetected {
		s.gtmDetected.Inc()
	}
	if evt.Trackers > 0 {
		s.trackersFound.Add(float64(evt.Trackers))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
