// Package workflow validates issue status transitions against a project's
// provisioned state graph.
package workflow

import (
	"fmt"

	"quarry/internal/store"
	"quarry/internal/util"
)

// InvalidTransitionError reports a target state that is not reachable from
// the current one.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// ValidateTransition accepts any target when the current state has no
// outgoing transitions (the unconstrained escape hatch); otherwise the
// target must appear in the adjacency list.
func ValidateTransition(current, target store.WorkflowState) error {
	if len(current.Transitions) == 0 {
		return nil
	}
	for _, id := range current.Transitions {
		if id == target.ID {
			return nil
		}
	}
	return &InvalidTransitionError{From: current.Name, To: target.Name}
}

// Default state names in ordinal order.
const (
	StateBacklog    = "Backlog"
	StateToDo       = "To Do"
	StateInProgress = "In Progress"
	StateReview     = "Review"
	StateTesting    = "Testing"
	StateDone       = "Done"
)

// DefaultStates builds the graph provisioned at project creation:
// Backlog → To Do → In Progress → {Review, Testing} → Done, with back-edges
// for rework. The set is fixed once the project exists.
func DefaultStates(projectID string) []store.WorkflowState {
	ids := map[string]string{}
	names := []string{StateBacklog, StateToDo, StateInProgress, StateReview, StateTesting, StateDone}
	for _, name := range names {
		ids[name] = util.NewID("wfs")
	}

	edges := map[string][]string{
		StateBacklog:    {StateToDo},
		StateToDo:       {StateInProgress, StateBacklog},
		StateInProgress: {StateReview, StateTesting, StateToDo},
		StateReview:     {StateInProgress, StateDone},
		StateTesting:    {StateInProgress, StateDone},
		StateDone:       {StateInProgress},
	}

	states := make([]store.WorkflowState, 0, len(names))
	for ordinal, name := range names {
		transitions := make([]string, 0, len(edges[name]))
		for _, target := range edges[name] {
			transitions = append(transitions, ids[target])
		}
		states = append(states, store.WorkflowState{
			ID:          ids[name],
			ProjectID:   projectID,
			Name:        name,
			Ordinal:     ordinal + 1,
			Terminal:    name == StateDone,
			Transitions: transitions,
		})
	}
	return states
}
