// Package models provides the leg and strategy state machines and the
// records a backtest produces.
package models

import (
	"fmt"
	"time"
)

// LegState represents the lifecycle state of a leg
type LegState string

const (
	LegCreated LegState = "CREATED" // Configured, not yet filled
	LegActive  LegState = "ACTIVE"  // Filled and being managed
	LegExited  LegState = "EXITED"  // Closed, terminal
)

// Lifecycle conditions
const (
	ConditionEntered = "entered"
	ConditionExited  = "exited"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        LegState
	To          LegState
	Condition   string
	Description string
}

// ValidTransitions lists every transition a leg may make. There is no way
// back out of EXITED; a re-entry is a new leg.
var ValidTransitions = []StateTransition{
	{LegCreated, LegActive, ConditionEntered, "Leg filled at entry price"},
	{LegActive, LegExited, ConditionExited, "Leg closed by stop, target, time or strategy limit"},
}

// StateMachine tracks a single leg's lifecycle.
type StateMachine struct {
	transitionTime time.Time
	currentState   LegState
	previousState  LegState
}

// NewStateMachine creates a state machine in CREATED.
func NewStateMachine() StateMachine {
	return StateMachine{currentState: LegCreated, previousState: LegCreated}
}

// State returns the current state
func (sm *StateMachine) State() LegState {
	return sm.currentState
}

// PreviousState returns the state before the last transition
func (sm *StateMachine) PreviousState() LegState {
	return sm.previousState
}

// TransitionTime returns the simulated time of the last transition.
func (sm *StateMachine) TransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks if a transition is defined from the current state.
func (sm *StateMachine) IsValidTransition(to LegState, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot go from %s to %s on %q", ErrInvalidState, sm.currentState, to, condition)
}

// Transition moves to a new state at the given simulated time.
func (sm *StateMachine) Transition(to LegState, condition string, at time.Time) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = at
	return nil
}
