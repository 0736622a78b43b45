package autorun

import (
	"fmt"
	"slices"
)

// State represents the loop state of one session's controller.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StateWaitingForSafety State = "waiting_for_safety"
	StateWaitingForUser   State = "waiting_for_user"
	StateStuck            State = "stuck"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateIdle:             {StateRunning},
	StateRunning:          {StateWaitingForSafety, StateWaitingForUser, StateStuck, StateIdle},
	StateWaitingForSafety: {StateRunning, StateWaitingForUser, StateIdle},
	StateWaitingForUser:   {StateRunning, StateIdle},
	StateStuck:            {StateRunning, StateIdle},
}

// CanTransitionTo checks if a transition from current to next is valid.
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return slices.Contains(allowed, next)
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// ErrInvalidTransition is returned when a state transition is not allowed.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// AutoRunState is the mutable loop state owned exclusively by one session's
// controller. Nothing outside the controller mutates it.
type AutoRunState struct {
	Enabled          bool
	StepCount        int
	RunningCommandID string
	Stuck            bool
	StuckReason      string
}

// PendingSafetyCommand is a command the safety gate intercepted. While one
// exists the loop is suspended for that session.
type PendingSafetyCommand struct {
	Command   string
	SessionID string
	Impact    string
}
