package detect

import (
	"strings"
	"sync"
	"time"
)

// signalContext holds every ephemeral observation for a single analysis.
// A fresh context is built at the start of each Analyze call so no signal
// from a prior URL leaks into the next; it is never persisted.
type signalContext struct {
	mu          sync.Mutex
	requests    []RequestEvent
	console     []ConsoleEvent
	cookies     []Cookie
	storageKeys storageKeys
	gtmLoadAt   time.Time
}

type storageKeys struct {
	Local   []string `json:"local"`
	Session []string `json:"session"`
}

func newSignalContext() *signalContext {
	return &signalContext{}
}

func (s *signalContext) recordRequest(ev RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gtmLoadAt.IsZero() && strings.Contains(ev.URL, "googletagmanager.com/gtm.js") {
		s.gtmLoadAt = ev.Timestamp
	}
	s.requests = append(s.requests, ev)
}

func (s *signalContext) recordConsole(ev ConsoleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = append(s.console, ev)
}

func (s *signalContext) setCookies(cookies []Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = cookies
}

func (s *signalContext) setStorageKeys(keys storageKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storageKeys = keys
}

func (s *signalContext) snapshotRequests() []RequestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RequestEvent(nil), s.requests...)
}

func (s *signalContext) gtmLoadTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtmLoadAt
}

func (s *signalContext) counts() (requests, console, cookies int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests), len(s.console), len(s.cookies)
}
