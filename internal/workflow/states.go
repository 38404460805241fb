// Package workflow implements the session lifecycle state machine for
// long-running agent workflows. Sessions move through an 11-state FSM
// with optimistic-concurrency version checks; every accepted transition
// appends to an immutable history and publishes exactly one event.
package workflow

// State is a workflow session lifecycle state.
type State string

const (
	// StateReady is the initial state: session created, not yet planning.
	StateReady State = "ready"
	// StatePlanning is determining steps and tasks.
	StatePlanning State = "planning"
	// StateExecuting is performing work.
	StateExecuting State = "executing"
	// StateVerifying is checking results.
	StateVerifying State = "verifying"
	// StateCompleted is terminal success.
	StateCompleted State = "completed"
	// StateFailed is a recoverable failure pending disposition.
	StateFailed State = "failed"
	// StateRolledBack means compensation was applied after a failure.
	StateRolledBack State = "rolled_back"
	// StateSuspended is paused pending external input.
	StateSuspended State = "suspended"
	// StateTimeout means a deadline expired in a time-bounded state.
	StateTimeout State = "timeout"
	// StateCancelled is terminal: aborted by a user or operator.
	StateCancelled State = "cancelled"
	// StateAbandoned is terminal: orphaned past the reaper deadline.
	StateAbandoned State = "abandoned"
)

// transitions is the allowed transition table. Terminal states have no
// entry.
var transitions = map[State][]State{
	StateReady:      {StatePlanning, StateCancelled, StateAbandoned},
	StatePlanning:   {StateExecuting, StateFailed, StateCancelled, StateSuspended, StateAbandoned},
	StateExecuting:  {StateVerifying, StateFailed, StateSuspended, StateCancelled, StateAbandoned, StateTimeout},
	StateVerifying:  {StateCompleted, StateRolledBack, StateFailed, StateSuspended, StateCancelled, StateAbandoned, StateTimeout},
	StateFailed:     {StateRolledBack, StateCancelled, StateAbandoned},
	StateRolledBack: {StateCancelled, StateAbandoned},
	StateSuspended:  {StatePlanning, StateExecuting, StateCancelled, StateAbandoned},
	StateTimeout:    {StateFailed, StateRolledBack, StateCancelled, StateAbandoned},
}

// AllStates returns every state the machine defines.
func AllStates() []State {
	return []State{
		StateReady, StatePlanning, StateExecuting, StateVerifying,
		StateCompleted, StateFailed, StateRolledBack, StateSuspended,
		StateTimeout, StateCancelled, StateAbandoned,
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateCompleted || s == StateCancelled || s == StateAbandoned {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateAbandoned
}

// TimeBounded reports whether a timeout deadline is armed in s. Only
// Executing and Verifying are subject to deadline expiry.
func (s State) TimeBounded() bool {
	return s == StateExecuting || s == StateVerifying
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
