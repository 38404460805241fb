// Package freshness classifies the age and risk of context references.
// Classification is a pure function of the capture time, an explicit
// risk-signal set, and the injected clock; risk is never inferred
// silently.
package freshness

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
)

// ErrFreshnessViolation means the context backing an operation does not
// meet the freshness threshold for the session's current state. Callers
// should force a re-snapshot rather than retry.
var ErrFreshnessViolation = errors.New("freshness violation")

// Freshness is a context currency classification.
type Freshness string

const (
	// Fresh means the context was captured inside the fresh window.
	Fresh Freshness = "fresh"
	// Acceptable means the context is aged but still usable for most
	// operations.
	Acceptable Freshness = "acceptable"
	// Stale means the context exceeded the acceptable window.
	Stale Freshness = "stale"
	// StaleWithRisk means uncommitted VCS changes were detected or the
	// freshness signal itself could not be verified.
	StaleWithRisk Freshness = "stale_with_risk"
)

// rank orders classifications for threshold comparison. StaleWithRisk
// never satisfies any requirement.
var rank = map[Freshness]int{
	StaleWithRisk: 0,
	Stale:         1,
	Acceptable:    2,
	Fresh:         3,
}

// Meets reports whether have satisfies the need threshold.
// StaleWithRisk fails every threshold, including StaleWithRisk itself.
func Meets(have, need Freshness) bool {
	if have == StaleWithRisk {
		return false
	}
	return rank[have] >= rank[need]
}

// Signals is the explicit risk-signal set consulted during
// classification. Zero value means no risk detected and signals
// verified.
type Signals struct {
	// UncommittedChanges is true when the VCS working tree is dirty.
	UncommittedChanges bool
	// Unverified is true when the signal source could not be consulted,
	// e.g. the VCS provider errored.
	Unverified bool
}

// Tracker classifies context references against configured age bands.
type Tracker struct {
	freshWindow      time.Duration
	acceptableWindow time.Duration
	clock            clock.Clock
}

// NewTracker creates a tracker. freshWindow must be positive and smaller
// than acceptableWindow.
func NewTracker(freshWindow, acceptableWindow time.Duration, clk clock.Clock) (*Tracker, error) {
	if freshWindow <= 0 {
		return nil, errors.New("fresh window must be positive")
	}
	if acceptableWindow <= freshWindow {
		return nil, errors.New("acceptable window must exceed fresh window")
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Tracker{
		freshWindow:      freshWindow,
		acceptableWindow: acceptableWindow,
		clock:            clk,
	}, nil
}

// Classify returns the classification for context captured at
// capturedAt given the risk signals. Identical inputs and clock reading
// always yield the same result.
func (t *Tracker) Classify(capturedAt time.Time, sig Signals) Freshness {
	if sig.UncommittedChanges || sig.Unverified {
		return StaleWithRisk
	}

	age := t.clock.Now().Sub(capturedAt)
	switch {
	case age < t.freshWindow:
		return Fresh
	case age <= t.acceptableWindow:
		return Acceptable
	default:
		return Stale
	}
}
