package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusPublishFansOut(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Kind: KindTransition, SessionID: "s1", To: "planning"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "s1", ev.SessionID)
			assert.Equal(t, "planning", ev.To)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusPerSessionOrdering(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(16)
	defer cancel()

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(Event{Kind: KindTransition, SessionID: "s1", Version: i})
	}

	for i := uint64(1); i <= 5; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Version)
	}
}

func TestBusSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// The second publish overflows the queue; Publish must not block.
		bus.Publish(Event{Kind: KindTransition, Version: 1})
		bus.Publish(Event{Kind: KindTransition, Version: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	ev := <-ch
	assert.Equal(t, uint64(1), ev.Version)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.False(t, bus.HasSubscribers())
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := New(zap.NewNop())

	ch, _ := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing and subscribing after close are harmless no-ops.
	bus.Publish(Event{Kind: KindTransition})
	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
