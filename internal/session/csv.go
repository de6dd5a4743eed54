package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tagaudit/gtm-audit-crawler/internal/detect"
)

// csvHeader is the exact column order of the results file. Resume refuses any
// file whose header differs from this, column for column.
var csvHeader = []string{
	"url",
	"gtm_detected",
	"consent_mode",
	"gtm_events",
	"third_party_trackers",
	"third_party_domains_count",
	"third_party_domains_list",
	"trackerdb_patterns_count",
	"trackerdb_data_source",
	"status",
	"google_urls_count",
	"analysis_time",
	"timestamp",
	"raw_urls",
}

const (
	cellNotApplicable = "not_applicable"
	cellNone          = "none"
	listSeparator     = ", "
)

// encodeRow renders one analysis result as a CSV record in csvHeader order.
// GTM-gated fields collapse to "not_applicable" when GTM was absent and to
// "none" when GTM was present but the field is empty.
func encodeRow(r detect.Result) []string {
	rawURLs := r.RawURLs
	if rawURLs == nil {
		rawURLs = []string{}
	}
	rawJSON, err := json.Marshal(rawURLs)
	if err != nil {
		rawJSON = []byte("[]")
	}

	return []string{
		r.URL,
		strconv.FormatBool(r.GTMDetected),
		strconv.FormatBool(r.ConsentMode),
		gatedList(r.GTMEvents, r.DetailApplicable()),
		gatedList(r.Trackers, r.DetailApplicable()),
		strconv.Itoa(len(r.TrackerDomains)),
		gatedList(r.TrackerDomains, r.DetailApplicable()),
		strconv.Itoa(r.TrackerDB.PatternCount),
		string(r.TrackerDB.Source),
		string(r.Status),
		strconv.Itoa(r.GoogleURLCount),
		strconv.FormatFloat(r.AnalysisTime.Seconds(), 'f', 2, 64),
		r.Timestamp.Format(time.RFC3339),
		string(rawJSON),
	}
}

func gatedList(values []string, applicable bool) string {
	if !applicable {
		return cellNotApplicable
	}
	if len(values) == 0 {
		return cellNone
	}
	return strings.Join(values, listSeparator)
}
