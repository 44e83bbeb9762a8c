// Package progress defines the events harvest runs emit.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StagePageDone Stage = "PAGE_DONE"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
)

// Outcome classifies a finished page.
type Outcome string

// Page outcomes.
const (
	OutcomeOK        Outcome = "ok"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "error"
	OutcomeMalformed Outcome = "malformed"
)

// Event captures one step of a harvest run.
type Event struct {
	// RunID is the 16-byte form of the run's UUID.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	Query string
	// Mode is the traversal ("summary" or "fulltext"); empty on run events
	// that span every mode.
	Mode    string
	Offset  int
	Window  int
	Outcome Outcome
	// Records is the number of records upserted by the page, or by the
	// whole run on RUN_DONE.
	Records int64
	Dur     time.Duration
	// Note carries low-volume context such as the error text.
	Note string
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
	case StageRunStart, StageRunDone, StageRunError:
	case StagePageDone:
		if e.Mode == "" {
			return errors.New("page done requires mode")
		}
		if e.Outcome == "" {
			return errors.New("page done requires outcome")
		}
		if e.Offset < 0 || e.Window < 0 {
			return errors.New("page offset and window must be >= 0")
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
