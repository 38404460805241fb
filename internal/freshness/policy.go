package freshness

import "github.com/fyrsmithlabs/workflowd/internal/workflow"

// Policy maps a workflow state to the minimum freshness required for
// context consumed while the session is in that state.
type Policy map[workflow.State]Freshness

// DefaultPolicy returns the standard state-keyed policy: work that
// mutates the world needs current context, planning tolerates older
// views, and terminal-adjacent states only need enough to audit.
func DefaultPolicy() Policy {
	return Policy{
		workflow.StateReady:      Stale,
		workflow.StatePlanning:   Stale,
		workflow.StateExecuting:  Acceptable,
		workflow.StateVerifying:  Acceptable,
		workflow.StateSuspended:  Stale,
		workflow.StateFailed:     Stale,
		workflow.StateTimeout:    Stale,
		workflow.StateRolledBack: Stale,
	}
}

// Requires returns the threshold for the given state. States without an
// entry (terminal states) tolerate Stale; nothing ever tolerates
// StaleWithRisk.
func (p Policy) Requires(state workflow.State) Freshness {
	if need, ok := p[state]; ok {
		return need
	}
	return Stale
}
