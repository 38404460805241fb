// Package compensation runs registered rollback actions when a session
// fails or times out, then drives the session to RolledBack. Actions are
// idempotent per session version: replaying the same failure event runs
// the action at most once and returns the recorded result.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/workflowd/internal/compensation"

// ErrCompensationFailed means the rollback action returned an error. The
// session stays in its failure state for operator disposition.
var ErrCompensationFailed = errors.New("compensation failed")

// ErrNoAction means no action is registered for the session's workflow
// type.
var ErrNoAction = errors.New("no compensation action registered")

// Action undoes the side effects of a failed session. It receives a copy
// of the session as of the failure and must be safe to call once per
// session version.
type Action func(ctx context.Context, s *workflow.Session) error

// SessionReader loads sessions for compensation. The engine satisfies
// it.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*workflow.Session, error)
}

// ledgerKey identifies one compensation run. Keying by version makes
// redelivered events replays, not reruns.
type ledgerKey struct {
	SessionID string
	Version   uint64
}

// Manager subscribes to lifecycle events and compensates sessions that
// enter Failed or Timeout. Transitions to RolledBack are raised through
// the Transitioner, so production wiring routes them through the gate.
type Manager struct {
	reader       SessionReader
	transitioner workflow.Transitioner
	logger       *zap.Logger

	mu      sync.Mutex
	actions map[string]Action
	ledger  map[ledgerKey]error

	runCounter metric.Int64Counter
}

// NewManager creates a compensation manager.
func NewManager(reader SessionReader, transitioner workflow.Transitioner, logger *zap.Logger) (*Manager, error) {
	if reader == nil {
		return nil, errors.New("session reader is required")
	}
	if transitioner == nil {
		return nil, errors.New("transitioner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		reader:       reader,
		transitioner: transitioner,
		logger:       logger,
		actions:      make(map[string]Action),
		ledger:       make(map[ledgerKey]error),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.runCounter, err = meter.Int64Counter(
		"workflowd.compensation.runs_total",
		metric.WithDescription("Compensation action runs by workflow type and result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create compensation counter", zap.Error(err))
	}

	return m, nil
}

// Register installs the action for a workflow type, replacing any
// previous one.
func (m *Manager) Register(workflowType string, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[workflowType] = action
}

// Run consumes lifecycle events until the channel closes or ctx ends.
func (m *Manager) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !needsCompensation(ev) {
				continue
			}
			if err := m.Compensate(ctx, ev.SessionID, ev.Version); err != nil {
				m.logger.Warn("compensation did not complete",
					zap.String("session_id", ev.SessionID),
					zap.Uint64("version", ev.Version),
					zap.Error(err),
				)
			}
		}
	}
}

func needsCompensation(ev eventbus.Event) bool {
	if ev.Kind != eventbus.KindTransition {
		return false
	}
	return ev.To == string(workflow.StateFailed) || ev.To == string(workflow.StateTimeout)
}

// Compensate runs the registered action for the session and, on success,
// transitions it to RolledBack. The version is the session version at
// which the failure committed; a second call with the same version
// returns the recorded result without rerunning the action.
func (m *Manager) Compensate(ctx context.Context, sessionID string, version uint64) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "compensation.compensate")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int64("version", int64(version)),
	)

	key := ledgerKey{SessionID: sessionID, Version: version}

	m.mu.Lock()
	if prior, done := m.ledger[key]; done {
		m.mu.Unlock()
		m.logger.Debug("compensation replayed from ledger",
			zap.String("session_id", sessionID),
			zap.Uint64("version", version),
		)
		return prior
	}
	m.mu.Unlock()

	s, err := m.reader.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != workflow.StateFailed && s.State != workflow.StateTimeout {
		// Someone else already dispositioned the session.
		m.logger.Debug("session no longer needs compensation",
			zap.String("session_id", sessionID),
			zap.String("state", string(s.State)),
		)
		return nil
	}

	m.mu.Lock()
	action, ok := m.actions[s.WorkflowType]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: workflow type %q", ErrNoAction, s.WorkflowType)
	}

	runErr := action(ctx, s.Clone())
	if runErr != nil {
		runErr = fmt.Errorf("%w: %v", ErrCompensationFailed, runErr)
	}

	m.mu.Lock()
	m.ledger[key] = runErr
	m.mu.Unlock()

	m.recordRun(ctx, s.WorkflowType, runErr)
	if runErr != nil {
		span.RecordError(runErr)
		return runErr
	}

	_, err = m.transitioner.Transition(ctx, sessionID, workflow.Event{
		To:     workflow.StateRolledBack,
		Reason: "compensation applied",
		By:     "compensation-manager",
	}, s.Version)
	switch {
	case err == nil:
		m.logger.Info("compensated session",
			zap.String("session_id", sessionID),
			zap.String("workflow_type", s.WorkflowType),
		)
		return nil
	case errors.Is(err, workflow.ErrStaleSession), errors.Is(err, workflow.ErrInvalidTransition):
		// Lost the race with another disposition; the action itself
		// already ran and is on the ledger.
		m.logger.Debug("rolled-back transition lost race",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}

func (m *Manager) recordRun(ctx context.Context, workflowType string, runErr error) {
	if m.runCounter == nil {
		return
	}
	result := "ok"
	if runErr != nil {
		result = "failed"
	}
	m.runCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_type", workflowType),
		attribute.String("result", result),
	))
}
