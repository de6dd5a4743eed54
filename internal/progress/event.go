package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
	StageBatchDone    Stage = "BATCH_DONE"
	StageAnalysisDone Stage = "ANALYSIS_DONE"
)

// Outcome is the terminal state of a single page analysis.
type Outcome string

// Supported analysis outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
	OutcomeOther   Outcome = "other"
)

// Event captures a single milestone of audit progress.
type Event struct {
	// SessionID uniquely identifies a crawl session in 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or analysis milestone occurred.
	Stage Stage
	// Site optionally scopes analysis events to a host label.
	Site string
	// URL is the analyzed page URL; it should not contain credentials.
	URL string
	// Batch is the 1-based batch number for batch events.
	Batch int
	// Outcome classifies analysis completions.
	Outcome Outcome
	// GTMDetected reports whether the page loaded Google Tag Manager.
	GTMDetected bool
	// Trackers counts third-party trackers attributed on the page.
	Trackers int
	// Dur captures execution latency for analyses and session completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionError:
	case StageBatchDone:
		if e.Batch <= 0 {
			return errors.New("batch done requires a batch number")
		}
	case StageAnalysisDone:
		if e.Site == "" {
			return errors.New("analysis done requires site")
		}
		if e.Outcome == "" {
			return errors.New("analysis done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyOutcome maps an analysis status string to an Outcome.
func ClassifyOutcome(status string) Outcome {
	switch Outcome(status) {
	case OutcomeSuccess, OutcomeTimeout, OutcomeError, OutcomeSkipped:
		return Outcome(status)
	default:
		return OutcomeOther
	}
}
