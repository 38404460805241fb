package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
)

const instrumentationName = "github.com/fyrsmithlabs/workflowd/internal/workflow"

// Transitioner applies transition events to sessions. The engine
// implements it directly; the policy gate implements it by wrapping each
// call in a gated request. Internal schedulers (reaper, compensation)
// depend on this interface so composition decides which path they use.
type Transitioner interface {
	Transition(ctx context.Context, sessionID string, ev Event, expectedVersion uint64) (*Session, error)
}

// Config configures the engine.
type Config struct {
	// DefaultTimeout is armed when a session enters a time-bounded state
	// without an explicit deadline on the event. Zero arms nothing.
	DefaultTimeout time.Duration
}

// Engine owns workflow session state. All mutation goes through Create
// and Transition; both commit via the store's conditional write before
// publishing, so an event is only ever observed for a committed change.
// Save and publish for one session happen under that session's commit
// lock, so subscribers receive a session's events in commit order.
type Engine struct {
	config Config
	store  SessionStore
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *zap.Logger

	locks sync.Map // session id -> *sync.Mutex

	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter
	rejectionCounter  metric.Int64Counter
}

// NewEngine creates a workflow engine.
func NewEngine(cfg Config, store SessionStore, bus *eventbus.Bus, clk clock.Clock, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config: cfg,
		store:  store,
		bus:    bus,
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.transitionCounter, err = e.meter.Int64Counter(
		"workflowd.workflow.transitions_total",
		metric.WithDescription("Total number of committed state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		e.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	e.rejectionCounter, err = e.meter.Int64Counter(
		"workflowd.workflow.rejections_total",
		metric.WithDescription("Total number of rejected transition attempts"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		e.logger.Warn("failed to create rejection counter", zap.Error(err))
	}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID           string
	ProjectID    string
	WorkflowType string
}

// Create creates a session in Ready and publishes a session-created
// event.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.create")
	defer span.End()

	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.String("project_id", req.ProjectID),
	)

	if _, err := e.store.Load(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	} else if !errors.Is(err, ErrSessionNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("checking session %s: %w", id, err)
	}

	now := e.clock.Now()
	s := NewSession(id, req.ProjectID, req.WorkflowType, now)

	mu := e.commitLock(id)
	mu.Lock()
	err := e.store.Save(ctx, s, 0)
	if err == nil {
		e.bus.Publish(eventbus.Event{
			Kind:      eventbus.KindSessionCreated,
			SessionID: s.ID,
			To:        string(StateReady),
			Version:   s.Version,
			At:        now,
		})
	}
	mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
		return nil, fmt.Errorf("saving session %s: %w", id, err)
	}

	e.logger.Info("created workflow session",
		zap.String("session_id", s.ID),
		zap.String("project_id", s.ProjectID),
		zap.String("workflow_type", s.WorkflowType),
	)
	return s.Clone(), nil
}

// Transition validates and applies ev against the session's current
// state. It rejects with ErrInvalidTransition when the target is not in
// the allowed set, and with ErrStaleSession when expectedVersion does
// not match the session's version, both before any mutation. On success
// the session's history grows by exactly one entry, lifecycle fields are
// updated, the version increments, and exactly one transition event is
// published. The change commits through the store's conditional write:
// a save failure publishes nothing, and save plus publish run under the
// session's commit lock so delivery order matches commit order.
func (e *Engine) Transition(ctx context.Context, sessionID string, ev Event, expectedVersion uint64) (*Session, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("target_state", string(ev.To)),
	)

	if !ev.To.Valid() {
		e.recordRejection(ctx, "invalid_state")
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, ev.To)
	}

	s, err := e.store.Load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.Version != expectedVersion {
		e.recordRejection(ctx, "stale_session")
		span.SetStatus(codes.Error, "stale session")
		return nil, fmt.Errorf("%w: expected %d, have %d", ErrStaleSession, expectedVersion, s.Version)
	}

	from := s.State
	if !CanTransition(from, ev.To) {
		e.recordRejection(ctx, "invalid_transition")
		span.SetStatus(codes.Error, "invalid transition")
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, ev.To)
	}

	now := e.clock.Now()
	s.apply(ev, now, e.config.DefaultTimeout)

	mu := e.commitLock(sessionID)
	mu.Lock()
	err = e.store.Save(ctx, s, expectedVersion)
	if err == nil {
		e.bus.Publish(busEvent(s, from, ev, now))
	}
	mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrVersionConflict) {
			// A concurrent caller committed first; surface the standard
			// reload-and-retry error.
			e.recordRejection(ctx, "stale_session")
			return nil, fmt.Errorf("%w: concurrent writer won", ErrStaleSession)
		}
		return nil, fmt.Errorf("saving session %s: %w", sessionID, err)
	}

	if e.transitionCounter != nil {
		e.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(ev.To)),
		))
	}

	e.logger.Info("applied transition",
		zap.String("session_id", s.ID),
		zap.String("from", string(from)),
		zap.String("to", string(ev.To)),
		zap.Uint64("version", s.Version),
	)
	return s.Clone(), nil
}

// Get returns a copy of the session.
func (e *Engine) Get(ctx context.Context, sessionID string) (*Session, error) {
	return e.store.Load(ctx, sessionID)
}

// List returns copies of all sessions.
func (e *Engine) List(ctx context.Context) ([]*Session, error) {
	return e.store.List(ctx)
}

// commitLock returns the mutex serializing save and publish for one
// session.
func (e *Engine) commitLock(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Engine) recordRejection(ctx context.Context, reason string) {
	if e.rejectionCounter != nil {
		e.rejectionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}
