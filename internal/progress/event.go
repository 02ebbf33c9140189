package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// Stage denotes the run lifecycle milestone represented by an Event.
type Stage string

// Supported run stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageItemDone    Stage = "ITEM_DONE"
	StageRunDone     Stage = "RUN_DONE"
	StageRunCanceled Stage = "RUN_CANCELED"
	StageRunError    Stage = "RUN_ERROR"
)

// Outcome classifies an evaluated item.
type Outcome string

// Item outcomes carried by ITEM_DONE events.
const (
	OutcomeScored   Outcome = "scored"
	OutcomeUnscored Outcome = "unscored"
	OutcomeDegraded Outcome = "degraded"
	OutcomeSkipped  Outcome = "skipped"
)

// ClassifyResult maps a finished evaluation to its Outcome.
func ClassifyResult(res *deal.Result, degraded bool) Outcome {
	switch {
	case res == nil:
		return OutcomeSkipped
	case degraded:
		return OutcomeDegraded
	case res.DealScore != nil:
		return OutcomeScored
	default:
		return OutcomeUnscored
	}
}

// Event captures one run lifecycle change for the history hub.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Query is set on RUN_START.
	Query string
	// Index and Result are set on ITEM_DONE. Result is nil for skipped items.
	Index   int
	Result  *deal.Result
	Outcome Outcome
	// Counters are set on terminal stages.
	Scanned   int
	Filtered  int
	Evaluated int
	// Dur is the item latency on ITEM_DONE and the run wall time on terminal stages.
	Dur time.Duration
	// Note carries error text for RUN_ERROR.
	Note string
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageRunDone, StageRunCanceled, StageRunError:
		return true
	default:
		return false
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunCanceled, StageRunError:
	case StageItemDone:
		if e.Index < 1 {
			return errors.New("item done requires a 1-based index")
		}
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
