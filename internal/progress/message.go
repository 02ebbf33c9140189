package progress

import (
	"encoding/json"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// MessageType names one kind of stream message.
type MessageType string

// Stream message kinds written to callers.
const (
	TypePhase         MessageType = "phase"
	TypeProgress      MessageType = "progress"
	TypeFiltered      MessageType = "filtered"
	TypeItemResult    MessageType = "item_result"
	TypeItemSkipped   MessageType = "item_skipped"
	TypeError         MessageType = "error"
	TypeAuthError     MessageType = "auth_error"
	TypeLocationError MessageType = "location_error"
	TypeDone          MessageType = "done"

	// typeCancelSignal is the poison pill. It never leaves the bridge.
	typeCancelSignal MessageType = "cancel-signal"
)

// Run phases announced with TypePhase.
const (
	PhaseScraping   = "scraping"
	PhaseEvaluating = "evaluating"
)

// Message is one immutable stream event. Only the fields relevant to Type
// are serialized.
type Message struct {
	Type           MessageType
	Phase          string
	ScannedCount   int
	FilteredCount  int
	EvaluatedCount int
	ListingIndex   int
	Listing        *deal.Result
	Listings       []deal.Result
	Threshold      float64
	Text           string
}

// Phase announces a pipeline phase change.
func Phase(name string) Message { return Message{Type: TypePhase, Phase: name} }

// Progress reports the discovery count so far.
func Progress(scanned int) Message { return Message{Type: TypeProgress, ScannedCount: scanned} }

// Filtered reports listings dropped by the price pre-filter.
func Filtered(n int) Message { return Message{Type: TypeFiltered, FilteredCount: n} }

// ItemResult carries one evaluated listing.
func ItemResult(index, evaluated int, result deal.Result) Message {
	return Message{Type: TypeItemResult, ListingIndex: index, EvaluatedCount: evaluated, Listing: &result}
}

// ItemSkipped marks a listing that produced no result.
func ItemSkipped(index, evaluated int) Message {
	return Message{Type: TypeItemSkipped, ListingIndex: index, EvaluatedCount: evaluated}
}

// Error reports a run-level failure.
func Error(text string) Message { return Message{Type: TypeError, Text: text} }

// AuthError reports that the listing source needs a new login.
func AuthError() Message { return Message{Type: TypeAuthError} }

// LocationError reports an unresolvable search location.
func LocationError(text string) Message { return Message{Type: TypeLocationError, Text: text} }

// Done is the terminal summary of a run.
func Done(scanned, filtered, evaluated int, listings []deal.Result, threshold float64) Message {
	if listings == nil {
		listings = []deal.Result{}
	}
	return Message{
		Type:           TypeDone,
		ScannedCount:   scanned,
		FilteredCount:  filtered,
		EvaluatedCount: evaluated,
		Listings:       listings,
		Threshold:      threshold,
	}
}

// Terminal reports whether the message ends a stream.
func (m Message) Terminal() bool {
	switch m.Type {
	case TypeDone, TypeError, TypeAuthError, TypeLocationError:
		return true
	default:
		return false
	}
}

// MarshalJSON writes the caller-facing wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": m.Type}
	switch m.Type {
	case TypePhase:
		out["phase"] = m.Phase
	case TypeProgress:
		out["scannedCount"] = m.ScannedCount
	case TypeFiltered:
		out["filteredCount"] = m.FilteredCount
	case TypeItemResult:
		out["listing"] = m.Listing
		out["listingIndex"] = m.ListingIndex
		out["evaluatedCount"] = m.EvaluatedCount
	case TypeItemSkipped:
		out["listingIndex"] = m.ListingIndex
		out["evaluatedCount"] = m.EvaluatedCount
	case TypeError, TypeLocationError:
		out["message"] = m.Text
	case TypeDone:
		out["scannedCount"] = m.ScannedCount
		out["filteredCount"] = m.FilteredCount
		out["evaluatedCount"] = m.EvaluatedCount
		out["listings"] = m.Listings
		out["threshold"] = m.Threshold
	}
	return json.Marshal(out)
}
