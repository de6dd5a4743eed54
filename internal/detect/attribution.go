package detect

import "time"

// attributionThreshold is the minimum score at which a request counts as
// GTM-attributed.
const attributionThreshold = 0.5

// AttributionScore estimates the likelihood that a request was initiated by
// GTM, from its timing relative to GTM's own script load. Scores are
// non-increasing as the delay grows and exactly zero for requests that
// predate the GTM load.
func AttributionScore(requestAt, gtmLoadAt time.Time, gtmDetected bool) float64 {
	if gtmLoadAt.IsZero() {
		// Load time was never captured; fall back to the detection flag
		// with conservative confidence.
		if gtmDetected {
			return 0.7
		}
		return 0.0
	}

	delta := requestAt.Sub(gtmLoadAt)
	switch {
	case delta < 0:
		return 0.0
	case delta <= 5*time.Second:
		return 0.9
	case delta <= 15*time.Second:
		return 0.8
	case delta <= 30*time.Second:
		return 0.6
	default:
		return 0.3
	}
}
