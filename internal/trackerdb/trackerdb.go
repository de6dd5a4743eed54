// Package trackerdb resolves a tracker-identity database from a prioritized
// source chain and serves domain lookups against the loaded snapshot.
package trackerdb

import (
	"time"
)

// Source identifies where the active snapshot came from.
type Source string

// Snapshot sources, in the order the chain tries them.
const (
	SourceCache        Source = "cache"
	SourceRemote       Source = "github_releases"
	SourceExpiredCache Source = "expired_cache"
	SourceLocalArchive Source = "local_zip"
	SourceNone         Source = "none"
)

// Pattern describes one known tracking technology. Immutable once loaded.
type Pattern struct {
	Key          string
	Name         string
	Category     string
	Organization string
	WebsiteURL   string
	Domains      []string
}

// Match is the result of a successful lookup.
type Match struct {
	Pattern       *Pattern
	MatchedDomain string
	RequestURL    string
}

// Snapshot is the fully-built database. It is rebuilt wholesale by Load and
// never mutated afterwards, so it is safe to share across goroutines.
type Snapshot struct {
	domainIndex    map[string]*Pattern
	PatternCount   int
	DomainCount    int
	CategoryCounts map[string]int
	LoadedAt       time.Time
	Source         Source
}

// Status summarizes provider state for result records.
type Status struct {
	Loaded       bool
	PatternCount int
	DomainCount  int
	Source       Source
}

// Clock abstracts wall-clock access so cache-age windows are testable.
type Clock interface {
	Now() time.Time
}
