package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

func mustCreate(t *testing.T, repo *MemoryRepository, sessionID, summary string, capturedAt time.Time) *Snapshot {
	t.Helper()
	s, err := repo.Create(context.Background(), &CreateRequest{
		SessionID:     sessionID,
		CapturedAt:    capturedAt,
		WorkflowState: workflow.StateExecuting,
		Freshness:     freshness.Fresh,
		Summary:       summary,
	})
	require.NoError(t, err)
	return s
}

func TestMemoryRepositoryVersionsPerSession(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now()

	a1 := mustCreate(t, repo, "a", "first", now)
	a2 := mustCreate(t, repo, "a", "second", now)
	b1 := mustCreate(t, repo, "b", "other session", now)

	assert.Equal(t, uint64(1), a1.Version)
	assert.Equal(t, uint64(2), a2.Version)
	assert.Equal(t, uint64(1), b1.Version, "versions are per session")
	assert.NotEqual(t, a1.ID, a2.ID)
}

func TestMemoryRepositoryCreateRequiresSession(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.Create(context.Background(), &CreateRequest{Summary: "orphan"})
	assert.Error(t, err)
}

func TestMemoryRepositoryGet(t *testing.T) {
	repo := NewMemoryRepository()
	s := mustCreate(t, repo, "a", "findable", time.Now())

	got, err := repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "findable", got.Summary)

	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestMemoryRepositorySnapshotsAreImmutable(t *testing.T) {
	repo := NewMemoryRepository()
	s := mustCreate(t, repo, "a", "original", time.Now())

	got, err := repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	got.Summary = "mutated"

	fresh, err := repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", fresh.Summary)
}

func TestMemoryRepositoryListNewestFirst(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now()
	mustCreate(t, repo, "a", "one", now)
	mustCreate(t, repo, "a", "two", now)
	mustCreate(t, repo, "a", "three", now)

	got, err := repo.List(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Summary)
	assert.Equal(t, "two", got[1].Summary)

	page2, err := repo.List(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "one", page2[0].Summary)
}

func TestMemoryRepositoryTimeline(t *testing.T) {
	repo := NewMemoryRepository()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mustCreate(t, repo, "a", "v1", base)
	mustCreate(t, repo, "a", "v2", base.Add(time.Minute))
	mustCreate(t, repo, "a", "v3", base.Add(2*time.Minute))
	mustCreate(t, repo, "b", "noise", base)

	all, err := repo.Timeline(context.Background(), "a", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, want := range []uint64{1, 2, 3} {
		assert.Equal(t, want, all[i].Version, "timeline is version ordered")
	}

	ranged, err := repo.Timeline(context.Background(), "a", base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "v2", ranged[0].Summary)
}

func TestMemoryRepositoryInvalidate(t *testing.T) {
	repo := NewMemoryRepository()
	s := mustCreate(t, repo, "a", "dubious", time.Now())

	require.NoError(t, repo.Invalidate(context.Background(), s.ID, "superseded by rebase"))

	got, err := repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, got.Invalidated)
	assert.Equal(t, "superseded by rebase", got.InvalidatedReason)
	// The captured data itself is untouched.
	assert.Equal(t, "dubious", got.Summary)

	assert.ErrorIs(t, repo.Invalidate(context.Background(), "missing", "x"), ErrSnapshotNotFound)
}

func TestMemoryRepositoryPrune(t *testing.T) {
	repo := NewMemoryRepository()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	old := mustCreate(t, repo, "a", "old", base.Add(-48*time.Hour))
	kept := mustCreate(t, repo, "a", "recent", base)

	n, err := repo.Prune(context.Background(), base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(context.Background(), old.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	got, err := repo.Get(context.Background(), kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "recent", got.Summary)
}

func TestMemoryRepositorySearchSkipsInvalidated(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now()

	mustCreate(t, repo, "a", "refactor the parser", now)
	bad := mustCreate(t, repo, "a", "refactor the lexer", now)
	require.NoError(t, repo.Invalidate(context.Background(), bad.ID, "wrong"))

	results, err := repo.Search(context.Background(), "refactor", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "refactor the parser", results[0].Snapshot.Summary)
}
