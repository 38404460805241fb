// Package gate implements the unified execution gate. Every transport —
// MCP tools, HTTP admin routes, CLI — reaches the workflow engine and
// the snapshot repository through Gate.Execute and nowhere else. The
// gate resolves scope, rejects conflicting identifiers, enforces the
// state-keyed freshness policy, and emits a decision record for every
// request whether it passes or fails.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/workflowd/internal/gate"

// ErrRateLimited means the gate's rate limiter rejected the request.
var ErrRateLimited = errors.New("rate limited")

// ErrUnknownOp means the request named no operation the gate knows.
var ErrUnknownOp = errors.New("unknown operation")

// Config configures the gate.
type Config struct {
	// RateLimit is the sustained request rate (per second) allowed
	// through the gate. Zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter burst size.
	RateBurst int
}

// Gate is the single policy-checked entry point. It owns no state of
// its own; it orchestrates the engine, the snapshot repository and the
// freshness tracker.
type Gate struct {
	config  Config
	engine  *workflow.Engine
	repo    snapshot.Repository
	tracker *freshness.Tracker
	policy  freshness.Policy
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	decisionCounter metric.Int64Counter
}

// New creates a gate. A nil clk defaults to the system clock.
func New(cfg Config, engine *workflow.Engine, repo snapshot.Repository, tracker *freshness.Tracker, policy freshness.Policy, clk clock.Clock, logger *zap.Logger) (*Gate, error) {
	if engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if repo == nil {
		return nil, errors.New("snapshot repository is required")
	}
	if tracker == nil {
		return nil, errors.New("freshness tracker is required")
	}
	if policy == nil {
		policy = freshness.DefaultPolicy()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{
		config:  cfg,
		engine:  engine,
		repo:    repo,
		tracker: tracker,
		policy:  policy,
		clock:   clk,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	var err error
	g.decisionCounter, err = g.meter.Int64Counter(
		"workflowd.gate.decisions_total",
		metric.WithDescription("Gate decisions by operation and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create decision counter", zap.Error(err))
	}

	return g, nil
}

// Execute runs the request through the policy checks and, only if all
// pass, delegates to the engine or repository. The decision record is
// emitted on every path.
func (g *Gate) Execute(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "gate.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("op", string(req.Op)),
		attribute.String("session_id", req.SessionID),
	)

	outcome, err := g.execute(ctx, req)
	g.recordDecision(ctx, req, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return outcome, nil
}

func (g *Gate) execute(ctx context.Context, req Request) (*Outcome, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return nil, ErrRateLimited
	}

	// Scope resolution happens before anything touches a repository.
	resolved, err := scope.Resolve(req.Scope, req.PayloadScope)
	if err != nil {
		return nil, err
	}
	// Writes without an explicit narrower scope default to the project.
	if isWrite(req.Op) && resolved.FilePath == "" && resolved.ModulePath == "" && resolved.CratePath == "" {
		resolved = resolved.ProjectScoped()
	}

	if req.Context != nil {
		if err := g.checkFreshness(ctx, req); err != nil {
			return nil, err
		}
	}

	outcome, err := g.delegate(ctx, req, resolved)
	if err != nil {
		return nil, err
	}
	outcome.Scope = resolved
	return outcome, nil
}

// checkFreshness classifies the request's context reference and holds it
// against the policy threshold for the session's current state.
func (g *Gate) checkFreshness(ctx context.Context, req Request) error {
	state := workflow.StateReady
	if req.SessionID != "" {
		s, err := g.engine.Get(ctx, req.SessionID)
		if err != nil {
			return err
		}
		state = s.State
	}

	have := g.tracker.Classify(req.Context.CapturedAt, req.Context.Signals)
	need := g.policy.Requires(state)
	if !freshness.Meets(have, need) {
		return fmt.Errorf("%w: context is %s, state %s requires at least %s",
			freshness.ErrFreshnessViolation, have, state, need)
	}
	return nil
}

func (g *Gate) delegate(ctx context.Context, req Request, resolved scope.Filter) (*Outcome, error) {
	switch req.Op {
	case OpSessionCreate:
		s, err := g.engine.Create(ctx, workflow.CreateRequest{
			ID:           req.SessionID,
			ProjectID:    resolved.ProjectID,
			WorkflowType: req.WorkflowType,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Session: s}, nil

	case OpSessionGet:
		s, err := g.engine.Get(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Session: s}, nil

	case OpSessionList:
		sessions, err := g.engine.List(ctx)
		if err != nil {
			return nil, err
		}
		return &Outcome{Sessions: sessions}, nil

	case OpTransition:
		if req.Event == nil {
			return nil, fmt.Errorf("%w: transition requires an event", ErrUnknownOp)
		}
		s, err := g.engine.Transition(ctx, req.SessionID, *req.Event, req.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		return &Outcome{Session: s}, nil

	case OpSnapshotCreate:
		s, err := g.engine.Get(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		var fr freshness.Freshness = freshness.Fresh
		capturedAt := g.clock.Now()
		if req.Context != nil {
			fr = g.tracker.Classify(req.Context.CapturedAt, req.Context.Signals)
			capturedAt = req.Context.CapturedAt
		}
		snap, err := g.repo.Create(ctx, &snapshot.CreateRequest{
			SessionID:     req.SessionID,
			CapturedAt:    capturedAt,
			WorkflowState: s.State,
			Freshness:     fr,
			Scope:         resolved,
			CodeGraphRef:  req.CodeGraph,
			MemoryRef:     req.MemoryRef,
			VCSHead:       req.VCSHead,
			Summary:       req.Summary,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Snapshot: snap}, nil

	case OpSnapshotGet:
		snap, err := g.repo.Get(ctx, req.SnapshotID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Snapshot: snap}, nil

	case OpSnapshotList:
		snaps, err := g.repo.List(ctx, req.Limit, req.Offset)
		if err != nil {
			return nil, err
		}
		return &Outcome{Snapshots: snaps}, nil

	case OpTimeline:
		snaps, err := g.repo.Timeline(ctx, req.SessionID, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		return &Outcome{Snapshots: snaps}, nil

	case OpSearch:
		results, err := g.repo.Search(ctx, req.Query, req.Limit)
		if err != nil {
			return nil, err
		}
		return &Outcome{Results: results}, nil

	case OpInvalidate:
		if err := g.repo.Invalidate(ctx, req.SnapshotID, req.Reason); err != nil {
			return nil, err
		}
		return &Outcome{}, nil

	case OpPrune:
		count, err := g.repo.Prune(ctx, req.OlderThan)
		if err != nil {
			return nil, err
		}
		return &Outcome{Pruned: count}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}
}

// Transition implements workflow.Transitioner so internal schedulers
// (reaper, compensation manager) raise their events through the gate.
func (g *Gate) Transition(ctx context.Context, sessionID string, ev workflow.Event, expectedVersion uint64) (*workflow.Session, error) {
	out, err := g.Execute(ctx, Request{
		Op:              OpTransition,
		SessionID:       sessionID,
		Event:           &ev,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return out.Session, nil
}

func isWrite(op Op) bool {
	switch op {
	case OpSessionCreate, OpTransition, OpSnapshotCreate, OpInvalidate, OpPrune:
		return true
	}
	return false
}

func (g *Gate) recordDecision(ctx context.Context, req Request, err error) {
	result := "pass"
	reason := ""
	if err != nil {
		result = "fail"
		reason = failureReason(err)
	}

	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", string(req.Op)),
			attribute.String("result", result),
			attribute.String("reason", reason),
		))
	}

	if err != nil {
		g.logger.Info("gate denied request",
			zap.String("op", string(req.Op)),
			zap.String("session_id", req.SessionID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	g.logger.Debug("gate permitted request",
		zap.String("op", string(req.Op)),
		zap.String("session_id", req.SessionID),
	)
}

// failureReason maps an error to its taxonomy name for telemetry.
func failureReason(err error) string {
	switch {
	case errors.Is(err, scope.ErrConflictingScope):
		return "conflicting_scope"
	case errors.Is(err, freshness.ErrFreshnessViolation):
		return "freshness_violation"
	case errors.Is(err, workflow.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, workflow.ErrStaleSession):
		return "stale_session"
	case errors.Is(err, workflow.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		return "snapshot_not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
