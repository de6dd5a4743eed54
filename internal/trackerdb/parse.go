package trackerdb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rawPattern tolerates the shape variations seen across database releases;
// domains in particular may be a single string or a list.
type rawPattern struct {
	Name         string      `json:"name"`
	Category     string      `json:"category"`
	Organization string      `json:"organization"`
	WebsiteURL   string      `json:"website_url"`
	Domains      domainField `json:"domains"`
}

type domainField []string

func (d *domainField) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*d = domainField{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("domains field: %w", err)
	}
	*d = domainField(many)
	return nil
}

// parseSnapshot builds a Snapshot from raw database JSON. The pattern map
// lives under "patterns", then "trackers", otherwise the whole document is
// treated as the pattern map.
func parseSnapshot(data []byte, source Source, loadedAt time.Time) (*Snapshot, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode database document: %w", err)
	}

	patternsRaw, ok := doc["patterns"]
	if !ok {
		patternsRaw, ok = doc["trackers"]
	}
	if !ok {
		patternsRaw = data
	}

	var patterns map[string]json.RawMessage
	if err := json.Unmarshal(patternsRaw, &patterns); err != nil {
		return nil, fmt.Errorf("decode pattern map: %w", err)
	}

	snap := &Snapshot{
		domainIndex:    make(map[string]*Pattern),
		CategoryCounts: make(map[string]int),
		LoadedAt:       loadedAt,
		Source:         source,
	}

	for key, body := range patterns {
		var raw rawPattern
		if err := json.Unmarshal(body, &raw); err != nil {
			// Non-object entries (metadata, version strings) are skipped.
			continue
		}
		pattern := &Pattern{
			Key:          key,
			Name:         raw.Name,
			Category:     raw.Category,
			Organization: raw.Organization,
			WebsiteURL:   raw.WebsiteURL,
			Domains:      []string(raw.Domains),
		}
		if pattern.Name == "" {
			pattern.Name = key
		}
		if pattern.Category == "" {
			pattern.Category = "unknown"
		}
		if pattern.Organization == "" {
			pattern.Organization = "unknown"
		}
		snap.PatternCount++
		snap.CategoryCounts[pattern.Category]++

		for _, domain := range pattern.Domains {
			normalized := normalizeDomain(domain)
			if normalized == "" {
				continue
			}
			// Conflicting claims resolve to the most recently processed
			// pattern (last write wins).
			snap.domainIndex[normalized] = pattern
		}
	}
	snap.DomainCount = len(snap.domainIndex)

	if snap.PatternCount == 0 {
		return nil, fmt.Errorf("database document contained no patterns")
	}
	return snap, nil
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "www.")
	return domain
}
