package detect

import (
	"time"

	"github.com/tagaudit/gtm-audit-crawler/internal/trackerdb"
)

// Status is the terminal state of one analysis.
type Status string

// Analysis outcomes.
const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Result is the record produced for one URL. It is created once per analysis
// and immutable afterwards. GTMEvents, Trackers, and TrackerDomains are only
// meaningful when GTMDetected is true; consumers must treat them as
// not-applicable otherwise (see Result.DetailApplicable).
type Result struct {
	URL            string
	Timestamp      time.Time
	GTMDetected    bool
	ConsentMode    bool
	GTMEvents      []string
	Trackers       []string
	TrackerDomains []string
	TrackerDB      trackerdb.Status
	Status         Status
	GoogleURLCount int
	AnalysisTime   time.Duration
	RawURLs        []string
	ErrorText      string
}

// DetailApplicable reports whether the GTM-gated fields carry meaning.
// Events and trackers only exist in GTM's presence.
func (r Result) DetailApplicable() bool {
	return r.GTMDetected
}

// Succeeded reports whether the URL counts toward completed work.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// SkippedResult builds the record for a URL excluded by the skip list.
func SkippedResult(url string, db trackerdb.Status, at time.Time) Result {
	return Result{
		URL:       url,
		Timestamp: at,
		TrackerDB: db,
		Status:    StatusSkipped,
	}
}
