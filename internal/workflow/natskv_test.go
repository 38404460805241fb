package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newTestKVStore(t *testing.T) *KVStore {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	store, err := NewKVStore(nc, "workflowd_test", nil)
	require.NoError(t, err)
	return store
}

func TestNewKVStoreValidation(t *testing.T) {
	_, err := NewKVStore(nil, "bucket", nil)
	assert.Error(t, err)

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	_, err = NewKVStore(nc, "", nil)
	assert.Error(t, err)
}

func TestKVStoreCreateAndLoad(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := NewSession("sess-1", "proj-1", "deploy", now)
	require.NoError(t, store.Save(ctx, s, 0))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", loaded.ID)
	assert.Equal(t, "proj-1", loaded.ProjectID)
	assert.Equal(t, StateReady, loaded.State)
	assert.Equal(t, uint64(0), loaded.Version)
	assert.True(t, loaded.CreatedAt.Equal(now))
}

func TestKVStoreLoadMissing(t *testing.T) {
	store := newTestKVStore(t)

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestKVStoreCreateRequiresVersionZero(t *testing.T) {
	store := newTestKVStore(t)

	s := NewSession("sess-1", "proj-1", "deploy", time.Now())
	err := store.Save(context.Background(), s, 3)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestKVStoreConcurrentCreateRace(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Save(ctx, NewSession("sess-1", "proj-1", "deploy", now), 0)
		}(i)
	}
	wg.Wait()

	// Every writer either created the key or lost a CAS on revision 1;
	// none corrupts the stored session.
	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), loaded.Version)
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
	}
}

func TestKVStoreConditionalUpdate(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s := NewSession("sess-1", "proj-1", "deploy", now)
	require.NoError(t, store.Save(ctx, s, 0))

	s.apply(Event{To: StatePlanning}, now.Add(time.Second), 0)
	require.NoError(t, store.Save(ctx, s, 0))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatePlanning, loaded.State)
	assert.Equal(t, uint64(1), loaded.Version)

	// A writer holding the old version loses.
	stale := loaded.Clone()
	stale.apply(Event{To: StateExecuting}, now.Add(2*time.Second), 0)
	err = store.Save(ctx, stale, 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// The stored session is untouched by the rejected write.
	loaded, err = store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatePlanning, loaded.State)
	assert.Equal(t, uint64(1), loaded.Version)
}

func TestKVStoreConcurrentWritersOneWins(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, NewSession("sess-1", "proj-1", "deploy", now), 0))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.Load(ctx, "sess-1")
			if err != nil {
				errs[i] = err
				return
			}
			s.apply(Event{To: StatePlanning, By: fmt.Sprintf("writer-%d", i)}, now.Add(time.Second), 0)
			errs[i] = store.Save(ctx, s, 0)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins)

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Version)
}

func TestKVStoreList(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, NewSession("sess-1", "proj-1", "deploy", now), 0))
	require.NoError(t, store.Save(ctx, NewSession("sess-2", "proj-1", "review", now), 0))

	sessions, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}
