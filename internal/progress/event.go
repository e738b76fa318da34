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
	StageCycleStart  Stage = "CYCLE_START"
	StageCycleDone   Stage = "CYCLE_DONE"
	StageCycleError  Stage = "CYCLE_ERROR"
	StageMatch       Stage = "MATCH"
	StageTargetDone  Stage = "TARGET_DONE"
	StageTargetError Stage = "TARGET_ERROR"
)

// Event captures a single milestone of a scan cycle.
type Event struct {
	// CycleID identifies the cycle using the 16-byte UUID form.
	CycleID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Target scopes target and match events.
	Target string
	// Keyword and Context describe a MATCH.
	Keyword string
	Context string
	// Targets is the resolved target count on CYCLE_START.
	Targets int
	// Matches counts hits: per target on TARGET_DONE, per cycle on CYCLE_DONE.
	Matches int64
	// Dur captures latency for target and cycle completions.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CycleID == [16]byte{} {
		return errors.New("cycle id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleError:
	case StageTargetDone, StageTargetError:
		if e.Target == "" {
			return fmt.Errorf("%s requires target", e.Stage)
		}
	case StageMatch:
		if e.Target == "" || e.Keyword == "" {
			return errors.New("match requires target and keyword")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID for repositories.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseCycleID turns a textual cycle ID into the Event form. IDs that are not
// UUIDs yield the zero value, which Validate rejects.
func ParseCycleID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(parsed)
}
