package workflow

import (
	"time"

	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
)

// Event triggers a state transition. The zero fields are ignored for
// targets that do not carry them: Reason and By matter for Suspended,
// Cancelled and Failed; Deadline records the expired deadline observed
// by the timeout checker; Guard carries an optional guard-evaluation
// note kept in the audit history.
type Event struct {
	To       State      `json:"to"`
	Reason   string     `json:"reason,omitempty"`
	By       string     `json:"by,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Guard    string     `json:"guard,omitempty"`
}

// ToSuspended builds a suspension event with the given reason.
func ToSuspended(reason string) Event {
	return Event{To: StateSuspended, Reason: reason}
}

// ToCancelled builds a cancellation event.
func ToCancelled(by, reason string) Event {
	return Event{To: StateCancelled, By: by, Reason: reason}
}

// ToTimeout builds a timeout event recording the expired deadline.
func ToTimeout(deadline time.Time) Event {
	return Event{To: StateTimeout, Deadline: &deadline}
}

// busEvent converts a committed transition to its broadcast form.
func busEvent(s *Session, from State, ev Event, at time.Time) eventbus.Event {
	return eventbus.Event{
		Kind:      eventbus.KindTransition,
		SessionID: s.ID,
		From:      string(from),
		To:        string(ev.To),
		Reason:    ev.Reason,
		By:        ev.By,
		Deadline:  ev.Deadline,
		Version:   s.Version,
		At:        at,
	}
}
