package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/gate"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

func (s *Server) registerTools() {
	s.registerWorkflowTools()
	s.registerSnapshotTools()
}

// sessionOutput is the compact session view returned by workflow tools.
type sessionOutput struct {
	ID              string     `json:"id" jsonschema:"Session identifier"`
	ProjectID       string     `json:"project_id" jsonschema:"Owning project"`
	WorkflowType    string     `json:"workflow_type" jsonschema:"Workflow type name"`
	State           string     `json:"state" jsonschema:"Current lifecycle state"`
	Version         uint64     `json:"version" jsonschema:"Optimistic-concurrency version; pass back as expected_version"`
	TimeoutDeadline *time.Time `json:"timeout_deadline,omitempty" jsonschema:"Deadline armed for time-bounded states"`
	SuspendedReason string     `json:"suspended_reason,omitempty" jsonschema:"Why the session is suspended"`
	UpdatedAt       time.Time  `json:"updated_at" jsonschema:"Last transition time"`
}

func toSessionOutput(sess *workflow.Session) sessionOutput {
	return sessionOutput{
		ID:              sess.ID,
		ProjectID:       sess.ProjectID,
		WorkflowType:    sess.WorkflowType,
		State:           string(sess.State),
		Version:         sess.Version,
		TimeoutDeadline: sess.TimeoutDeadline,
		SuspendedReason: sess.SuspendedReason,
		UpdatedAt:       sess.UpdatedAt,
	}
}

// contextRefInput is the caller's context reference for freshness
// checking.
type contextRefInput struct {
	CapturedAt         time.Time `json:"captured_at" jsonschema:"required,When the context was captured (RFC3339)"`
	UncommittedChanges bool      `json:"uncommitted_changes,omitempty" jsonschema:"VCS working tree has uncommitted changes"`
	Unverified         bool      `json:"unverified,omitempty" jsonschema:"Context carries an unverified external signal"`
}

func (in *contextRefInput) toRef() *gate.ContextRef {
	if in == nil {
		return nil
	}
	return &gate.ContextRef{
		CapturedAt: in.CapturedAt,
		Signals: freshness.Signals{
			UncommittedChanges: in.UncommittedChanges,
			Unverified:         in.Unverified,
		},
	}
}

type workflowStartInput struct {
	SessionID    string `json:"session_id,omitempty" jsonschema:"Optional session id; generated when empty"`
	ProjectID    string `json:"project_id" jsonschema:"required,Owning project"`
	WorkflowType string `json:"workflow_type" jsonschema:"required,Workflow type name used to pick compensation actions"`
}

type workflowTransitionInput struct {
	SessionID       string           `json:"session_id" jsonschema:"required,Session identifier"`
	To              string           `json:"to" jsonschema:"required,Target state"`
	Reason          string           `json:"reason,omitempty" jsonschema:"Why the transition is being raised"`
	By              string           `json:"by,omitempty" jsonschema:"Who raised the transition"`
	Deadline        *time.Time       `json:"deadline,omitempty" jsonschema:"Explicit deadline for time-bounded states"`
	ExpectedVersion uint64           `json:"expected_version" jsonschema:"required,Session version the caller last observed"`
	Context         *contextRefInput `json:"context,omitempty" jsonschema:"Context reference checked against the freshness policy"`
	ProjectID       string           `json:"project_id,omitempty" jsonschema:"Project embedded in the payload; must match the session's"`
}

type workflowStatusInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session identifier"`
}

type workflowListInput struct{}

type workflowListOutput struct {
	Sessions []sessionOutput `json:"sessions" jsonschema:"All workflow sessions"`
	Count    int             `json:"count" jsonschema:"Number of sessions returned"`
}

func (s *Server) registerWorkflowTools() {
	// workflow_start
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_start",
		Description: "Create a workflow session in the ready state",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args workflowStartInput) (*mcp.CallToolResult, sessionOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "workflow_start")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "workflow_start")
			s.metrics.RecordInvocation(ctx, "workflow_start", time.Since(start), toolErr)
		}()

		out, err := s.gate.Execute(ctx, gate.Request{
			Op:           gate.OpSessionCreate,
			SessionID:    args.SessionID,
			WorkflowType: args.WorkflowType,
			Scope:        scope.Filter{ProjectID: args.ProjectID},
		})
		if err != nil {
			toolErr = err
			return nil, sessionOutput{}, err
		}

		result := toSessionOutput(out.Session)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Session started: %s", result.ID)},
			},
		}, result, nil
	})

	// workflow_transition
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_transition",
		Description: "Apply a state transition to a workflow session with an optimistic version check",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args workflowTransitionInput) (*mcp.CallToolResult, sessionOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "workflow_transition")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "workflow_transition")
			s.metrics.RecordInvocation(ctx, "workflow_transition", time.Since(start), toolErr)
		}()

		out, err := s.gate.Execute(ctx, gate.Request{
			Op:        gate.OpTransition,
			SessionID: args.SessionID,
			Event: &workflow.Event{
				To:       workflow.State(args.To),
				Reason:   args.Reason,
				By:       args.By,
				Deadline: args.Deadline,
			},
			ExpectedVersion: args.ExpectedVersion,
			Context:         args.Context.toRef(),
			PayloadScope:    scope.Filter{ProjectID: args.ProjectID},
		})
		if err != nil {
			toolErr = err
			return nil, sessionOutput{}, err
		}

		result := toSessionOutput(out.Session)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Session %s is now %s (version %d)", result.ID, result.State, result.Version)},
			},
		}, result, nil
	})

	// workflow_status
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_status",
		Description: "Get the current state and version of a workflow session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args workflowStatusInput) (*mcp.CallToolResult, sessionOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "workflow_status")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "workflow_status")
			s.metrics.RecordInvocation(ctx, "workflow_status", time.Since(start), toolErr)
		}()

		out, err := s.gate.Execute(ctx, gate.Request{
			Op:        gate.OpSessionGet,
			SessionID: args.SessionID,
		})
		if err != nil {
			toolErr = err
			return nil, sessionOutput{}, err
		}

		result := toSessionOutput(out.Session)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Session %s: %s (version %d)", result.ID, result.State, result.Version)},
			},
		}, result, nil
	})

	// workflow_list
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_list",
		Description: "List all workflow sessions",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args workflowListInput) (*mcp.CallToolResult, workflowListOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "workflow_list")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "workflow_list")
			s.metrics.RecordInvocation(ctx, "workflow_list", time.Since(start), toolErr)
		}()

		out, err := s.gate.Execute(ctx, gate.Request{Op: gate.OpSessionList})
		if err != nil {
			toolErr = err
			return nil, workflowListOutput{}, err
		}

		result := workflowListOutput{Count: len(out.Sessions)}
		for _, sess := range out.Sessions {
			result.Sessions = append(result.Sessions, toSessionOutput(sess))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%d sessions", result.Count)},
			},
		}, result, nil
	})
}

// snapshotOutput is the snapshot view returned by snapshot tools.
type snapshotOutput struct {
	ID            string    `json:"id" jsonschema:"Snapshot identifier"`
	SessionID     string    `json:"session_id" jsonschema:"Owning session"`
	Version       uint64    `json:"version" jsonschema:"Per-session snapshot version"`
	CapturedAt    time.Time `json:"captured_at" jsonschema:"When the context was captured"`
	WorkflowState string    `json:"workflow_state" jsonschema:"Session state at capture time"`
	Freshness     string    `json:"freshness" jsonschema:"Freshness band at capture time"`
	Summary       string    `json:"summary" jsonschema:"Searchable summary"`
	Invalidated   bool      `json:"invalidated,omitempty" jsonschema:"True when marked invalid"`
}

func snapshotView(snap *snapshot.Snapshot) snapshotOutput {
	return snapshotOutput{
		ID:            snap.ID,
		SessionID:     snap.SessionID,
		Version:       snap.Version,
		CapturedAt:    snap.CapturedAt,
		WorkflowState: string(snap.WorkflowState),
		Freshness:     string(snap.Freshness),
		Summary:       snap.Summary,
		Invalidated:   snap.Invalidated,
	}
}

type snapshotCreateInput struct {
	SessionID string           `json:"session_id" jsonschema:"required,Owning session"`
	Summary   string           `json:"summary" jsonschema:"required,Searchable summary of what the snapshot captured"`
	CodeGraph string           `json:"code_graph_ref,omitempty" jsonschema:"Opaque code graph reference"`
	MemoryRef string           `json:"memory_ref,omitempty" jsonschema:"Opaque memory store reference"`
	VCSHead   string           `json:"vcs_head,omitempty" jsonschema:"VCS head commit at capture time"`
	Context   *contextRefInput `json:"context,omitempty" jsonschema:"Context reference; capture time defaults to now"`
}

type snapshotTimelineInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session identifier"`
	Start     string `json:"start,omitempty" jsonschema:"Range start (RFC3339)"`
	End       string `json:"end,omitempty" jsonschema:"Range end (RFC3339)"`
}

type snapshotListOutput struct {
	Snapshots []snapshotOutput `json:"snapshots" jsonschema:"Snapshots in version order"`
	Count     int              `json:"count" jsonschema:"Number of snapshots returned"`
}

type snapshotSearchInput struct {
	Query string `json:"query" jsonschema:"required,Semantic search query"`
	K     int    `json:"k,omitempty" jsonschema:"Maximum results (default: 10)"`
}

type searchHit struct {
	Snapshot   snapshotOutput `json:"snapshot" jsonschema:"Matching snapshot"`
	Similarity float32        `json:"similarity" jsonschema:"Cosine similarity of the match"`
}

type snapshotSearchOutput struct {
	Results []searchHit `json:"results" jsonschema:"Matches ordered by similarity"`
	Count   int         `json:"count" jsonschema:"Number of matches"`
}

type snapshotInvalidateInput struct {
	SnapshotID string `json:"snapshot_id" jsonschema:"required,Snapshot to invalidate"`
	Reason     string `json:"reason" jsonschema:"required,Audit reason for the invalidation"`
}

type snapshotInvalidateOutput struct {
	SnapshotID string `json:"snapshot_id" jsonschema:"Invalidated snapshot"`
}

func (s *Server) registerSnapshotTools() {
	// snapshot_create
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "snapshot_create",
		Description: "Capture an immutable context snapshot for a workflow session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args snapshotCreateInput) (*mcp.CallToolResult, snapshotOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "snapshot_create")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "snapshot_create")
			s.metrics.RecordInvocation(ctx, "snapshot_create", time.Since(start), toolErr)
		}()

		out, err := s.gate.Execute(ctx, gate.Request{
			Op:        gate.OpSnapshotCreate,
			SessionID: args.SessionID,
			Summary:   args.Summary,
			CodeGraph: args.CodeGraph,
			MemoryRef: args.MemoryRef,
			VCSHead:   args.VCSHead,
			Context:   args.Context.toRef(),
		})
		if err != nil {
			toolErr = err
			return nil, snapshotOutput{}, err
		}

		result := snapshotView(out.Snapshot)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Snapshot %s captured (version %d)", result.ID, result.Version)},
			},
		}, result, nil
	})

	// snapshot_timeline
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "snapshot_timeline",
		Description: "List a session's snapshots in version order, optionally bounded by a time range",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args snapshotTimelineInput) (*mcp.CallToolResult, snapshotListOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "snapshot_timeline")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "snapshot_timeline")
			s.metrics.RecordInvocation(ctx, "snapshot_timeline", time.Since(start), toolErr)
		}()

		var startAt, endAt time.Time
		if args.Start != "" {
			t, err := time.Parse(time.RFC3339, args.Start)
			if err != nil {
				toolErr = fmt.Errorf("start must be RFC3339: %w", err)
				return nil, snapshotListOutput{}, toolErr
			}
			startAt = t
		}
		if args.End != "" {
			t, err := time.Parse(time.RFC3339, args.End)
			if err != nil {
				toolErr = fmt.Errorf("end must be RFC3339: %w", err)
				return nil, snapshotListOutput{}, toolErr
			}
			endAt = t
		}

		out, err := s.gate.Execute(ctx, gate.Request{
			Op:        gate.OpTimeline,
			SessionID: args.SessionID,
			Start:     startAt,
			End:       endAt,
		})
		if err != nil {
			toolErr = err
			return nil, snapshotListOutput{}, err
		}

		result := snapshotListOutput{Count: len(out.Snapshots)}
		for _, snap := range out.Snapshots {
			result.Snapshots = append(result.Snapshots, snapshotView(snap))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%d snapshots", result.Count)},
			},
		}, result, nil
	})

	// snapshot_search
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "snapshot_search",
		Description: "Semantic search over snapshot summaries; results cite concrete snapshot versions",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args snapshotSearchInput) (*mcp.CallToolResult, snapshotSearchOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "snapshot_search")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "snapshot_search")
			s.metrics.RecordInvocation(ctx, "snapshot_search", time.Since(start), toolErr)
		}()

		out, err := s.gate.Execute(ctx, gate.Request{
			Op:    gate.OpSearch,
			Query: args.Query,
			Limit: args.K,
		})
		if err != nil {
			toolErr = err
			return nil, snapshotSearchOutput{}, err
		}

		result := snapshotSearchOutput{Count: len(out.Results)}
		for _, hit := range out.Results {
			result.Results = append(result.Results, searchHit{
				Snapshot:   snapshotView(hit.Snapshot),
				Similarity: hit.Similarity,
			})
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("%d matches", result.Count)},
			},
		}, result, nil
	})

	// snapshot_invalidate
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "snapshot_invalidate",
		Description: "Mark a snapshot invalid for audit without deleting it",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args snapshotInvalidateInput) (*mcp.CallToolResult, snapshotInvalidateOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "snapshot_invalidate")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "snapshot_invalidate")
			s.metrics.RecordInvocation(ctx, "snapshot_invalidate", time.Since(start), toolErr)
		}()

		_, err := s.gate.Execute(ctx, gate.Request{
			Op:         gate.OpInvalidate,
			SnapshotID: args.SnapshotID,
			Reason:     args.Reason,
		})
		if err != nil {
			toolErr = err
			return nil, snapshotInvalidateOutput{}, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Snapshot %s invalidated", args.SnapshotID)},
			},
		}, snapshotInvalidateOutput{SnapshotID: args.SnapshotID}, nil
	})
}
