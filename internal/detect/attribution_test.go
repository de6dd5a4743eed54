package detect

import (
	"testing"
	"time"
)

func TestAttributionScoreTable(t *testing.T) {
	t.Parallel()

	gtmLoad := time.Unix(1000, 0)
	cases := []struct {
		name  string
		delta time.Duration
		want  float64
	}{
		{"request before gtm load", -1 * time.Second, 0.0},
		{"immediately after", 0, 0.9},
		{"within 5s", 5 * time.Second, 0.9},
		{"within 15s", 15 * time.Second, 0.8},
		{"within 30s", 30 * time.Second, 0.6},
		{"beyond 30s", 31 * time.Second, 0.3},
	}
	for _, tc := range cases {
		got := AttributionScore(gtmLoad.Add(tc.delta), gtmLoad, true)
		if got != tc.want {
			t.Errorf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAttributionScoreWithoutLoadTime(t *testing.T) {
	t.Parallel()

	requestAt := time.Unix(1000, 0)
	if got := AttributionScore(requestAt, time.Time{}, true); got != 0.7 {
		t.Fatalf("expected conservative default 0.7 when GTM detected, got %v", got)
	}
	if got := AttributionScore(requestAt, time.Time{}, false); got != 0.0 {
		t.Fatalf("expected 0 without GTM detection, got %v", got)
	}
}

func TestAttributionScoreMonotonicity(t *testing.T) {
	t.Parallel()

	gtmLoad := time.Unix(1000, 0)
	previous := 1.0
	for delta := time.Duration(0); delta <= 60*time.Second; delta += 500 * time.Millisecond {
		score := AttributionScore(gtmLoad.Add(delta), gtmLoad, true)
		if score > previous {
			t.Fatalf("score increased at delta %v: %v > %v", delta, score, previous)
		}
		previous = score
	}
}
