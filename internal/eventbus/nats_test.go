package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
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

func TestNewForwarderValidation(t *testing.T) {
	_, err := NewForwarder(nil, "", nil)
	assert.Error(t, err)
}

func TestForwarderPublishesToSubject(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	fwd, err := NewForwarder(nc, "workflowd", nil)
	require.NoError(t, err)

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("workflowd.sessions.sess-1.transition", received)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	bus := New(nil)
	events, cancel := bus.Subscribe(8)
	t.Cleanup(cancel)

	ctx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	go fwd.Run(ctx, events)

	bus.Publish(Event{
		Kind:      KindTransition,
		SessionID: "sess-1",
		From:      "planning",
		To:        "executing",
		Version:   2,
		At:        time.Now().UTC(),
	})

	select {
	case msg := <-received:
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, KindTransition, e.Kind)
		assert.Equal(t, "sess-1", e.SessionID)
		assert.Equal(t, "executing", e.To)
		assert.Equal(t, uint64(2), e.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded event not received")
	}
}

func TestForwarderSkipsWhenDisconnected(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL(),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Hour))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	fwd, err := NewForwarder(nc, "workflowd", nil)
	require.NoError(t, err)

	server.Shutdown()
	server.WaitForShutdown()
	require.Eventually(t, func() bool {
		return nc.Status() != nats.CONNECTED
	}, 5*time.Second, 50*time.Millisecond)

	// Must not panic or block while the connection is down.
	fwd.forward(Event{Kind: KindSessionCreated, SessionID: "sess-1"})
}

func TestForwarderRunStopsOnClose(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	fwd, err := NewForwarder(nc, "", nil)
	require.NoError(t, err)

	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		fwd.Run(context.Background(), events)
		close(done)
	}()

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}
