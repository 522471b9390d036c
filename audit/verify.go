package audit

import (
	"fmt"
	"strings"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// BreakKind tells which check failed for an event.
type BreakKind string

const (
	// BrokenLink means previous_hash differs from the prior event's hash.
	BrokenLink BreakKind = "previous_hash"
	// ContentMismatch means the event content no longer matches its hash.
	ContentMismatch BreakKind = "event_hash"
)

// ChainBreak describes one integrity violation.
type ChainBreak struct {
	Index    int       `json:"index"`
	EventID  string    `json:"event_id"`
	Kind     BreakKind `json:"kind"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
}

// ChainReport is the result of replaying an envelope's audit chain.
type ChainReport struct {
	EnvelopeID string       `json:"envelope_id"`
	Valid      bool         `json:"valid"`
	EventCount int          `json:"event_count"`
	Breaks     []ChainBreak `json:"breaks,omitempty"`
}

// Err returns an *IntegrityError for invalid reports and nil otherwise.
func (r *ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	return &IntegrityError{EnvelopeID: r.EnvelopeID, Breaks: r.Breaks}
}

// IntegrityError reports a broken audit chain.
type IntegrityError struct {
	EnvelopeID string
	Breaks     []ChainBreak
}

func (e *IntegrityError) Error() string {
	parts := make([]string, 0, len(e.Breaks))
	for _, b := range e.Breaks {
		parts = append(parts, fmt.Sprintf("#%d %s", b.Index, b.Kind))
	}
	return fmt.Sprintf("audit chain of envelope %s is broken: %s", e.EnvelopeID, strings.Join(parts, ", "))
}

// Verify checks a list of events in insertion order. The first event must
// have an empty previous hash, every later one must link to its predecessor,
// and every event must still match its own hash. Anonymized events are
// rehashed from the digests kept for their erased values.
func Verify(envelopeID string, events []*interfaces.AuditEvent) *ChainReport {
	report := &ChainReport{EnvelopeID: envelopeID, EventCount: len(events)}

	prev := ""
	for i, event := range events {
		if event.PreviousHash != prev {
			report.Breaks = append(report.Breaks, ChainBreak{
				Index: i, EventID: event.ID, Kind: BrokenLink,
				Expected: prev, Actual: event.PreviousHash,
			})
		}

		recomputed, err := HashEvent(event)
		if err != nil || recomputed != event.EventHash {
			report.Breaks = append(report.Breaks, ChainBreak{
				Index: i, EventID: event.ID, Kind: ContentMismatch,
				Expected: event.EventHash, Actual: recomputed,
			})
		}

		prev = event.EventHash
	}

	report.Valid = len(report.Breaks) == 0
	return report
}
