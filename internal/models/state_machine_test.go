package models

import (
	"errors"
	"testing"
	"time"
)

func TestStateMachine_BasicTransitions(t *testing.T) {
	sm := NewStateMachine()

	// Test initial state
	if sm.State() != LegCreated {
		t.Errorf("Initial state should be LegCreated, got %s", sm.State())
	}

	entry := time.Date(2024, 1, 2, 9, 20, 0, 0, time.UTC)
	if err := sm.Transition(LegActive, ConditionEntered, entry); err != nil {
		t.Errorf("Valid transition failed: %v", err)
	}
	if sm.State() != LegActive {
		t.Errorf("State should be LegActive, got %s", sm.State())
	}
	if sm.PreviousState() != LegCreated {
		t.Errorf("Previous state should be LegCreated, got %s", sm.PreviousState())
	}
	if !sm.TransitionTime().Equal(entry) {
		t.Errorf("Transition time should be the simulated entry time, got %v", sm.TransitionTime())
	}

	exit := entry.Add(time.Hour)
	if err := sm.Transition(LegExited, ConditionExited, exit); err != nil {
		t.Errorf("Valid transition failed: %v", err)
	}
	if sm.State() != LegExited || sm.PreviousState() != LegActive {
		t.Errorf("Expected ACTIVE -> EXITED, got %s -> %s", sm.PreviousState(), sm.State())
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setup     []LegState
		to        LegState
		condition string
	}{
		{"exit before entry", nil, LegExited, ConditionExited},
		{"enter twice", []LegState{LegActive}, LegActive, ConditionEntered},
		{"re-enter after exit", []LegState{LegActive, LegExited}, LegActive, ConditionEntered},
		{"exit twice", []LegState{LegActive, LegExited}, LegExited, ConditionExited},
		{"wrong condition", nil, LegActive, ConditionExited},
		{"back to created", []LegState{LegActive}, LegCreated, ConditionEntered},
	}

	conditionFor := map[LegState]string{LegActive: ConditionEntered, LegExited: ConditionExited}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tt.setup {
				if err := sm.Transition(s, conditionFor[s], at); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}
			before := sm.State()

			err := sm.Transition(tt.to, tt.condition, at.Add(time.Minute))
			if err == nil {
				t.Fatalf("Expected transition %s -> %s to fail", before, tt.to)
			}
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("Expected ErrInvalidState, got %v", err)
			}
			if sm.State() != before {
				t.Errorf("Failed transition changed state from %s to %s", before, sm.State())
			}
			if !sm.TransitionTime().Equal(at) && len(tt.setup) > 0 {
				t.Errorf("Failed transition changed the transition time")
			}
		})
	}
}

func TestValidTransitions_ExitedIsTerminal(t *testing.T) {
	for _, tr := range ValidTransitions {
		if tr.From == LegExited {
			t.Errorf("EXITED must be terminal, found transition to %s", tr.To)
		}
		if tr.Description == "" {
			t.Errorf("Transition %s -> %s has no description", tr.From, tr.To)
		}
	}
}
