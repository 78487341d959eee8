package calibration

import (
	"errors"
	"fmt"
)

// State is the engine state.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives state changes.
type Event int

const (
	EventBegin  Event = iota // operator starts a session
	EventSample              // one update tick, stable or not
	EventHold                // stability held long enough, commit issued
	EventCancel              // operator discards the session
)

func (e Event) String() string {
	switch e {
	case EventBegin:
		return "begin"
	case EventSample:
		return "sample"
	case EventHold:
		return "hold"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var (
	ErrSessionActive = errors.New("calibration already in progress")
	ErrNoSession     = errors.New("no calibration in progress")
)

// transition returns the state that follows event in state s. Combinations
// without a defined successor are rejected.
func transition(s State, e Event) (State, error) {
	switch s {
	case Idle:
		switch e {
		case EventBegin:
			return Active, nil
		case EventCancel:
			return Idle, nil
		case EventSample, EventHold:
			return s, fmt.Errorf("%w: %s while %s", ErrNoSession, e, s)
		}
	case Active:
		switch e {
		case EventSample:
			return Active, nil
		case EventHold, EventCancel:
			return Idle, nil
		case EventBegin:
			return s, fmt.Errorf("%w: %s while %s", ErrSessionActive, e, s)
		}
	}
	return s, fmt.Errorf("undefined transition: %s while %s", e, s)
}
