package trackerdb

import (
	"testing"
	"time"
)

func TestParseSnapshotPatternsKey(t *testing.T) {
	t.Parallel()

	snap, err := parseSnapshot([]byte(`{
		"patterns": {
			"ga": {"name": "Google Analytics", "category": "site_analytics", "domains": ["google-analytics.com"]}
		},
		"categories": {"site_analytics": {}}
	}`), SourceCache, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.PatternCount != 1 || snap.DomainCount != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if snap.CategoryCounts["site_analytics"] != 1 {
		t.Fatalf("expected category count, got %v", snap.CategoryCounts)
	}
}

func TestParseSnapshotTrackersKeyFallback(t *testing.T) {
	t.Parallel()

	snap, err := parseSnapshot([]byte(`{
		"trackers": {
			"px": {"name": "Pixel", "domains": ["px.example"]}
		}
	}`), SourceLocalArchive, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.PatternCount != 1 {
		t.Fatalf("expected one pattern, got %d", snap.PatternCount)
	}
	pattern := snap.domainIndex["px.example"]
	if pattern == nil || pattern.Category != "unknown" || pattern.Organization != "unknown" {
		t.Fatalf("expected defaulted pattern fields, got %+v", pattern)
	}
}

func TestParseSnapshotWholeDocumentAsPatterns(t *testing.T) {
	t.Parallel()

	snap, err := parseSnapshot([]byte(`{
		"first": {"domains": ["a.example"]},
		"second": {"domains": ["b.example"]}
	}`), SourceRemote, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.PatternCount != 2 {
		t.Fatalf("expected two patterns, got %d", snap.PatternCount)
	}
	if snap.domainIndex["a.example"].Name != "first" {
		t.Fatalf("expected key used as name, got %q", snap.domainIndex["a.example"].Name)
	}
}

func TestParseSnapshotDomainCollisionLastWriteWins(t *testing.T) {
	t.Parallel()

	snap, err := parseSnapshot([]byte(`{
		"patterns": {
			"a_tracker": {"name": "A", "domains": ["shared.example"]},
			"b_tracker": {"name": "B", "domains": ["shared.example"]}
		}
	}`), SourceCache, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Map iteration order is unspecified, but exactly one claim must win and
	// every domain maps to exactly one pattern.
	if snap.DomainCount != 1 {
		t.Fatalf("expected single index entry, got %d", snap.DomainCount)
	}
	winner := snap.domainIndex["shared.example"]
	if winner.Name != "A" && winner.Name != "B" {
		t.Fatalf("unexpected winner: %+v", winner)
	}
}

func TestParseSnapshotNormalizesDomains(t *testing.T) {
	t.Parallel()

	snap, err := parseSnapshot([]byte(`{
		"patterns": {
			"t": {"name": "T", "domains": ["WWW.Mixed-Case.Example", ""]}
		}
	}`), SourceCache, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := snap.domainIndex["mixed-case.example"]; !ok {
		t.Fatalf("expected lowercased www-stripped key, index: %v", snap.domainIndex)
	}
	if snap.DomainCount != 1 {
		t.Fatalf("empty domains must be skipped, got %d entries", snap.DomainCount)
	}
}

func TestParseSnapshotSkipsNonObjectEntries(t *testing.T) {
	t.Parallel()

	snap, err := parseSnapshot([]byte(`{
		"version": "2026-03-01",
		"real": {"name": "Real", "domains": ["real.example"]}
	}`), SourceCache, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.PatternCount != 1 {
		t.Fatalf("expected metadata entry skipped, got %d patterns", snap.PatternCount)
	}
}

func TestParseSnapshotRejectsEmptyDocument(t *testing.T) {
	t.Parallel()

	if _, err := parseSnapshot([]byte(`{}`), SourceCache, time.Unix(100, 0)); err == nil {
		t.Fatal("expected error for document without patterns")
	}
	if _, err := parseSnapshot([]byte(`not json`), SourceCache, time.Unix(100, 0)); err == nil {
		t.Fatal("expected error for malformed document")
	}
}
