package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateAndLoad(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	s := NewSession("s1", "proj", "refactor", now)
	require.NoError(t, store.Save(context.Background(), s, 0))

	got, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, StateReady, got.State)
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreConditionalSave(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	s := NewSession("s1", "proj", "", now)
	require.NoError(t, store.Save(context.Background(), s, 0))

	// Wrong expected version fails.
	s.Version = 1
	err := store.Save(context.Background(), s, 5)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Matching expected version succeeds.
	require.NoError(t, store.Save(context.Background(), s, 0))

	got, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
}

func TestMemoryStoreCreateRequiresZeroVersion(t *testing.T) {
	store := NewMemoryStore()

	s := NewSession("s1", "proj", "", time.Now())
	err := store.Save(context.Background(), s, 3)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	s := NewSession("s1", "proj", "", now)
	require.NoError(t, store.Save(context.Background(), s, 0))

	got, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	got.State = StateCancelled
	got.History = append(got.History, HistoryEntry{State: StateCancelled, At: now})

	fresh, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, fresh.State)
	assert.Empty(t, fresh.History)
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(context.Background(), NewSession(id, "proj", "", now), 0))
	}

	all, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
