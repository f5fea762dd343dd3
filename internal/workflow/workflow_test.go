package workflow

import (
	"errors"
	"testing"

	"quarry/internal/store"
)

func statesByName(t *testing.T) map[string]store.WorkflowState {
	t.Helper()
	byName := make(map[string]store.WorkflowState)
	for _, state := range DefaultStates("prj_test") {
		byName[state.Name] = state
	}
	return byName
}

func TestValidateTransitionFollowsGraph(t *testing.T) {
	byName := statesByName(t)

	cases := []struct {
		from, to string
		ok       bool
	}{
		{StateBacklog, StateToDo, true},
		{StateBacklog, StateDone, false},
		{StateBacklog, StateInProgress, false},
		{StateToDo, StateInProgress, true},
		{StateToDo, StateBacklog, true},
		{StateInProgress, StateReview, true},
		{StateInProgress, StateTesting, true},
		{StateInProgress, StateDone, false},
		{StateReview, StateDone, true},
		{StateTesting, StateDone, true},
		{StateDone, StateInProgress, true},
		{StateDone, StateBacklog, false},
	}

	for _, tc := range cases {
		err := ValidateTransition(byName[tc.from], byName[tc.to])
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s: expected InvalidTransition", tc.from, tc.to)
		}
	}
}

func TestValidateTransitionErrorNamesBothStates(t *testing.T) {
	byName := statesByName(t)

	err := ValidateTransition(byName[StateBacklog], byName[StateDone])
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StateBacklog || invalid.To != StateDone {
		t.Errorf("expected from=Backlog to=Done, got from=%s to=%s", invalid.From, invalid.To)
	}
}

func TestEmptyAdjacencyAcceptsAnyTarget(t *testing.T) {
	byName := statesByName(t)
	unconstrained := store.WorkflowState{ID: "wfs_free", Name: "Free"}

	if err := ValidateTransition(unconstrained, byName[StateDone]); err != nil {
		t.Errorf("expected unconstrained state to accept any target, got %v", err)
	}
}

func TestDefaultStatesShape(t *testing.T) {
	states := DefaultStates("prj_test")
	if len(states) != 6 {
		t.Fatalf("expected 6 states, got %d", len(states))
	}
	if states[0].Name != StateBacklog || states[0].Ordinal != 1 {
		t.Errorf("expected Backlog first, got %s ordinal %d", states[0].Name, states[0].Ordinal)
	}
	for _, state := range states {
		if state.Terminal != (state.Name == StateDone) {
			t.Errorf("state %s: unexpected terminal flag %v", state.Name, state.Terminal)
		}
		if state.ProjectID != "prj_test" {
			t.Errorf("state %s: wrong project %s", state.Name, state.ProjectID)
		}
	}
}
