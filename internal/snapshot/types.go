package snapshot

import (
	"time"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

// Snapshot is an immutable, versioned record of the knowledge state
// consulted or produced at one instant. It holds identifiers into the
// external stores, never payloads. Superseding information creates a new
// snapshot with a higher version; existing snapshots are never mutated.
type Snapshot struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// Version increases monotonically per session and backs the
	// compare-and-swap used by optimistic readers.
	Version uint64 `json:"version"`

	CapturedAt    time.Time           `json:"captured_at"`
	WorkflowState workflow.State      `json:"workflow_state"`
	Freshness     freshness.Freshness `json:"freshness"`
	Scope         scope.Filter        `json:"scope"`

	// Opaque references into the external stores at capture time.
	CodeGraphRef string `json:"code_graph_ref,omitempty"`
	MemoryRef    string `json:"memory_ref,omitempty"`
	VCSHead      string `json:"vcs_head,omitempty"`

	// Summary is the searchable description of what the snapshot
	// captured.
	Summary string `json:"summary"`

	Invalidated       bool   `json:"invalidated,omitempty"`
	InvalidatedReason string `json:"invalidated_reason,omitempty"`
}

// SearchResult is a discovery hit. Results are always attributable to a
// concrete snapshot version.
type SearchResult struct {
	Snapshot   *Snapshot `json:"snapshot"`
	Similarity float32   `json:"similarity"`
}

// CreateRequest describes a snapshot to capture. The repository assigns
// the id and the per-session version.
type CreateRequest struct {
	SessionID     string
	CapturedAt    time.Time
	WorkflowState workflow.State
	Freshness     freshness.Freshness
	Scope         scope.Filter
	CodeGraphRef  string
	MemoryRef     string
	VCSHead       string
	Summary       string
}
