package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

// spyRepository counts every repository call so tests can prove the gate
// rejected a request before touching storage.
type spyRepository struct {
	snapshot.Repository
	calls int
}

func (s *spyRepository) Create(ctx context.Context, req *snapshot.CreateRequest) (*snapshot.Snapshot, error) {
	s.calls++
	return s.Repository.Create(ctx, req)
}

func (s *spyRepository) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	s.calls++
	return s.Repository.Get(ctx, id)
}

func (s *spyRepository) List(ctx context.Context, limit, offset int) ([]*snapshot.Snapshot, error) {
	s.calls++
	return s.Repository.List(ctx, limit, offset)
}

func (s *spyRepository) Timeline(ctx context.Context, sessionID string, start, end time.Time) ([]*snapshot.Snapshot, error) {
	s.calls++
	return s.Repository.Timeline(ctx, sessionID, start, end)
}

func (s *spyRepository) Invalidate(ctx context.Context, id, reason string) error {
	s.calls++
	return s.Repository.Invalidate(ctx, id, reason)
}

func (s *spyRepository) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.calls++
	return s.Repository.Prune(ctx, olderThan)
}

func (s *spyRepository) Search(ctx context.Context, query string, k int) ([]snapshot.SearchResult, error) {
	s.calls++
	return s.Repository.Search(ctx, query, k)
}

type fixture struct {
	gate   *Gate
	engine *workflow.Engine
	repo   *spyRepository
	clock  *clock.Fake
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	bus := eventbus.New(zap.NewNop())

	engine, err := workflow.NewEngine(workflow.Config{DefaultTimeout: 15 * time.Minute},
		workflow.NewMemoryStore(), bus, clk, zap.NewNop())
	require.NoError(t, err)

	tracker, err := freshness.NewTracker(5*time.Second, 30*time.Second, clk)
	require.NoError(t, err)

	repo := &spyRepository{Repository: snapshot.NewMemoryRepository()}
	g, err := New(cfg, engine, repo, tracker, freshness.DefaultPolicy(), clk, zap.NewNop())
	require.NoError(t, err)

	return &fixture{gate: g, engine: engine, repo: repo, clock: clk}
}

func (f *fixture) createSession(t *testing.T, id string) *workflow.Session {
	t.Helper()
	out, err := f.gate.Execute(context.Background(), Request{
		Op:        OpSessionCreate,
		SessionID: id,
		Scope:     scope.Filter{ProjectID: "proj"},
	})
	require.NoError(t, err)
	return out.Session
}

func TestGateSessionLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	s := f.createSession(t, "s1")
	assert.Equal(t, workflow.StateReady, s.State)
	assert.Equal(t, "proj", s.ProjectID)

	out, err := f.gate.Execute(context.Background(), Request{
		Op:              OpTransition,
		SessionID:       "s1",
		Event:           &workflow.Event{To: workflow.StatePlanning},
		ExpectedVersion: s.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePlanning, out.Session.State)

	out, err = f.gate.Execute(context.Background(), Request{Op: OpSessionGet, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePlanning, out.Session.State)

	out, err = f.gate.Execute(context.Background(), Request{Op: OpSessionList})
	require.NoError(t, err)
	assert.Len(t, out.Sessions, 1)
}

func TestGateConflictingScopeRejectedBeforeAnyCall(t *testing.T) {
	f := newFixture(t, Config{})
	f.createSession(t, "s1")
	f.repo.calls = 0

	_, err := f.gate.Execute(context.Background(), Request{
		Op:           OpSnapshotCreate,
		SessionID:    "s1",
		Summary:      "whatever",
		Scope:        scope.Filter{ProjectID: "proj-a"},
		PayloadScope: scope.Filter{ProjectID: "proj-b"},
	})
	require.ErrorIs(t, err, scope.ErrConflictingScope)
	assert.Zero(t, f.repo.calls, "conflicting scope must reject before any repository call")
}

func TestGateFreshnessPolicyPerState(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.createSession(t, "s1")

	// Drive to Executing, which requires Acceptable context.
	out, err := f.gate.Execute(context.Background(), Request{
		Op: OpTransition, SessionID: "s1",
		Event:           &workflow.Event{To: workflow.StatePlanning},
		ExpectedVersion: s.Version,
	})
	require.NoError(t, err)
	out, err = f.gate.Execute(context.Background(), Request{
		Op: OpTransition, SessionID: "s1",
		Event:           &workflow.Event{To: workflow.StateExecuting},
		ExpectedVersion: out.Session.Version,
	})
	require.NoError(t, err)
	version := out.Session.Version

	// Stale context (aged past the acceptable window) is refused while
	// executing.
	staleRef := &ContextRef{CapturedAt: f.clock.Now().Add(-time.Minute)}
	_, err = f.gate.Execute(context.Background(), Request{
		Op: OpTransition, SessionID: "s1",
		Event:           &workflow.Event{To: workflow.StateVerifying},
		ExpectedVersion: version,
		Context:         staleRef,
	})
	require.ErrorIs(t, err, freshness.ErrFreshnessViolation)

	// Acceptable-age context passes.
	okRef := &ContextRef{CapturedAt: f.clock.Now().Add(-10 * time.Second)}
	out, err = f.gate.Execute(context.Background(), Request{
		Op: OpTransition, SessionID: "s1",
		Event:           &workflow.Event{To: workflow.StateVerifying},
		ExpectedVersion: version,
		Context:         okRef,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateVerifying, out.Session.State)
}

func TestGateRiskSignalsNeverPass(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.createSession(t, "s1")

	// Ready only requires Stale, but StaleWithRisk satisfies nothing.
	_, err := f.gate.Execute(context.Background(), Request{
		Op: OpTransition, SessionID: "s1",
		Event:           &workflow.Event{To: workflow.StatePlanning},
		ExpectedVersion: s.Version,
		Context: &ContextRef{
			CapturedAt: f.clock.Now(),
			Signals:    freshness.Signals{UncommittedChanges: true},
		},
	})
	assert.ErrorIs(t, err, freshness.ErrFreshnessViolation)
}

func TestGateSnapshotOps(t *testing.T) {
	f := newFixture(t, Config{})
	f.createSession(t, "s1")

	out, err := f.gate.Execute(context.Background(), Request{
		Op:        OpSnapshotCreate,
		SessionID: "s1",
		Summary:   "captured parser refactor state",
		Scope:     scope.Filter{ProjectID: "proj"},
	})
	require.NoError(t, err)
	snap := out.Snapshot
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, workflow.StateReady, snap.WorkflowState)
	assert.Equal(t, f.clock.Now(), snap.CapturedAt)

	out, err = f.gate.Execute(context.Background(), Request{Op: OpSnapshotGet, SnapshotID: snap.ID})
	require.NoError(t, err)
	assert.Equal(t, snap.ID, out.Snapshot.ID)

	out, err = f.gate.Execute(context.Background(), Request{Op: OpTimeline, SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, out.Snapshots, 1)

	out, err = f.gate.Execute(context.Background(), Request{Op: OpSearch, Query: "parser", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)

	_, err = f.gate.Execute(context.Background(), Request{
		Op: OpInvalidate, SnapshotID: snap.ID, Reason: "superseded",
	})
	require.NoError(t, err)

	out, err = f.gate.Execute(context.Background(), Request{
		Op:        OpPrune,
		OlderThan: f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Pruned)
}

func TestGateSnapshotCreateRecordsFreshness(t *testing.T) {
	f := newFixture(t, Config{})
	f.createSession(t, "s1")

	capturedAt := f.clock.Now().Add(-10 * time.Second)
	out, err := f.gate.Execute(context.Background(), Request{
		Op:        OpSnapshotCreate,
		SessionID: "s1",
		Summary:   "aged capture",
		Context:   &ContextRef{CapturedAt: capturedAt},
	})
	require.NoError(t, err)
	assert.Equal(t, freshness.Acceptable, out.Snapshot.Freshness)
	assert.Equal(t, capturedAt, out.Snapshot.CapturedAt)
}

func TestGateRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, RateBurst: 1})
	f.createSession(t, "s1")

	// Burst exhausted by the create; the next request is refused.
	_, err := f.gate.Execute(context.Background(), Request{Op: OpSessionGet, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestGateUnknownOp(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.gate.Execute(context.Background(), Request{Op: Op("explode")})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestGateImplementsTransitioner(t *testing.T) {
	f := newFixture(t, Config{})
	s := f.createSession(t, "s1")

	var tr workflow.Transitioner = f.gate
	got, err := tr.Transition(context.Background(), "s1", workflow.Event{To: workflow.StatePlanning}, s.Version)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePlanning, got.State)
}

func TestGateWriteDefaultsToProjectScope(t *testing.T) {
	f := newFixture(t, Config{})
	f.createSession(t, "s1")

	out, err := f.gate.Execute(context.Background(), Request{
		Op:        OpSnapshotCreate,
		SessionID: "s1",
		Summary:   "scoped",
		Scope:     scope.Filter{ProjectID: "proj"},
	})
	require.NoError(t, err)
	assert.Equal(t, scope.Filter{ProjectID: "proj"}, out.Scope)
	assert.Equal(t, scope.Filter{ProjectID: "proj"}, out.Snapshot.Scope)
}
