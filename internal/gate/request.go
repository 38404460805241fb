package gate

import (
	"time"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

// Op identifies the repository-level operation a request asks for.
type Op string

const (
	OpSessionCreate   Op = "session_create"
	OpSessionGet      Op = "session_get"
	OpSessionList     Op = "session_list"
	OpTransition      Op = "transition"
	OpSnapshotCreate  Op = "snapshot_create"
	OpSnapshotGet     Op = "snapshot_get"
	OpSnapshotList    Op = "snapshot_list"
	OpTimeline        Op = "timeline"
	OpSearch          Op = "search"
	OpInvalidate      Op = "invalidate"
	OpPrune           Op = "prune"
)

// ContextRef identifies the context a request depends on for its
// decision: when it was captured and the explicit risk signals observed
// with it. Requests with a nil ContextRef consume no context and skip
// the freshness check.
type ContextRef struct {
	CapturedAt time.Time
	Signals    freshness.Signals
}

// Request is a gated operation. Scope carries positionally supplied
// identifiers, PayloadScope those embedded in the request body; the gate
// rejects disagreements instead of preferring either.
type Request struct {
	Op Op

	Scope        scope.Filter
	PayloadScope scope.Filter

	SessionID       string
	ExpectedVersion uint64

	// Event is the transition to apply for OpTransition.
	Event *workflow.Event

	// WorkflowType names the compensation registration for new sessions.
	WorkflowType string

	// Context is the context reference backing this operation, if any.
	Context *ContextRef

	// Snapshot fields.
	SnapshotID string
	Summary    string
	CodeGraph  string
	MemoryRef  string
	VCSHead    string

	// Timeline bounds.
	Start time.Time
	End   time.Time

	// Search parameters.
	Query  string
	Limit  int
	Offset int

	// Reason for OpInvalidate.
	Reason string

	// OlderThan for OpPrune.
	OlderThan time.Time
}

// Outcome is the result of a permitted operation. Exactly the fields
// relevant to the request's Op are set.
type Outcome struct {
	Scope     scope.Filter
	Session   *workflow.Session
	Sessions  []*workflow.Session
	Snapshot  *snapshot.Snapshot
	Snapshots []*snapshot.Snapshot
	Results   []snapshot.SearchResult
	Pruned    int
}
