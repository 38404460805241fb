package workflow

import "time"

// HistoryEntry is one audit record: the state entered, the event that
// caused it, and when. History is append-only; entries are never removed
// or reordered.
type HistoryEntry struct {
	State State     `json:"state"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
}

// Session is one active workflow instance. The engine exclusively owns
// its mutation; everyone else reads clones.
//
// At most one of the suspension, timeout and cancellation field groups
// is active at a time; transitions clear the groups that no longer
// apply. Terminal sessions are retained for audit, never deleted.
type Session struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	WorkflowType string `json:"workflow_type"`

	State   State          `json:"state"`
	History []HistoryEntry `json:"history"`

	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`
	SuspendedReason string     `json:"suspended_reason,omitempty"`

	TimeoutDeadline *time.Time `json:"timeout_deadline,omitempty"`

	CancelledBy     string `json:"cancelled_by,omitempty"`
	CancelledReason string `json:"cancelled_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every accepted transition and backs the
	// optimistic-concurrency check.
	Version uint64 `json:"version"`
}

// NewSession creates a session in Ready with an empty history.
func NewSession(id, projectID, workflowType string, now time.Time) *Session {
	return &Session{
		ID:           id,
		ProjectID:    projectID,
		WorkflowType: workflowType,
		State:        StateReady,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      0,
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]HistoryEntry, len(s.History))
	copy(c.History, s.History)
	if s.SuspendedAt != nil {
		t := *s.SuspendedAt
		c.SuspendedAt = &t
	}
	if s.TimeoutDeadline != nil {
		t := *s.TimeoutDeadline
		c.TimeoutDeadline = &t
	}
	return &c
}

// LastActivity returns the time of the most recent transition, or the
// creation time for a session that has not transitioned yet. The abandon
// reaper keys off this.
func (s *Session) LastActivity() time.Time {
	if len(s.History) == 0 {
		return s.CreatedAt
	}
	return s.History[len(s.History)-1].At
}

// apply mutates the session for an accepted transition. Callers have
// already validated the transition against the table.
func (s *Session) apply(ev Event, now time.Time, defaultTimeout time.Duration) {
	s.State = ev.To

	// Clear lifecycle fields that no longer apply, then set the group
	// belonging to the new state.
	s.SuspendedAt = nil
	s.SuspendedReason = ""
	if !ev.To.TimeBounded() {
		s.TimeoutDeadline = nil
	}

	switch ev.To {
	case StateSuspended:
		at := now
		s.SuspendedAt = &at
		s.SuspendedReason = ev.Reason
	case StateCancelled:
		s.CancelledBy = ev.By
		s.CancelledReason = ev.Reason
	case StateExecuting, StateVerifying:
		if ev.Deadline != nil {
			d := *ev.Deadline
			s.TimeoutDeadline = &d
		} else if s.TimeoutDeadline == nil && defaultTimeout > 0 {
			d := now.Add(defaultTimeout)
			s.TimeoutDeadline = &d
		}
	}

	s.History = append(s.History, HistoryEntry{State: ev.To, Event: ev, At: now})
	s.UpdatedAt = now
	s.Version++
}
