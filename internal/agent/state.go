package agent

import (
	"errors"
	"fmt"
)

// State is the turn controller state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON events.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Busy reports whether audio must be buffered instead of captured.
func (s State) Busy() bool { return s == StateProcessing || s == StateSpeaking }

// ErrIllegalTransition is wrapped by every rejected transition.
var ErrIllegalTransition = errors.New("agent: illegal state transition")

// TransitionError names the rejected edge.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent: illegal state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

var legalTransitions = map[State][]State{
	StateIdle:       {StateSpeaking, StateListening, StateEnded},
	StateListening:  {StateProcessing, StateEnded},
	StateProcessing: {StateSpeaking, StateListening, StateEnded},
	StateSpeaking:   {StateListening, StateEnded},
}

// Transition validates from -> to and returns the new state.
func Transition(from, to State) (State, error) {
	for _, next := range legalTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, &TransitionError{From: from, To: to}
}
