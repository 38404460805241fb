package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Forwarder republishes bus events to NATS subjects for external
// observability. Subjects follow:
//
//	{prefix}.sessions.{session_id}.{kind}
//
// Forwarding is best-effort: a disconnected NATS connection skips the
// event with a debug log instead of failing the pipeline.
type Forwarder struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewForwarder creates a forwarder. The prefix defaults to "workflowd".
func NewForwarder(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) (*Forwarder, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if subjectPrefix == "" {
		subjectPrefix = "workflowd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// Run consumes events from the channel and forwards them until the
// channel closes or the context is cancelled. Call in its own goroutine.
func (f *Forwarder) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			f.forward(e)
		}
	}
}

func (f *Forwarder) forward(e Event) {
	// Skip serialization entirely when the connection is down.
	if f.nc.Status() != nats.CONNECTED {
		f.logger.Debug("skipping event forward, NATS not connected",
			zap.String("kind", string(e.Kind)),
			zap.String("session_id", e.SessionID))
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.sessions.%s.%s", f.subjectPrefix, e.SessionID, e.Kind)
	if err := f.nc.Publish(subject, data); err != nil {
		f.logger.Warn("failed to forward event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
