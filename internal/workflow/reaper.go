package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
)

// ReaperConfig configures the periodic lifecycle reaper.
type ReaperConfig struct {
	// Interval between scans.
	Interval time.Duration
	// AbandonAfter is the inactivity window after which any non-terminal
	// session is abandoned. Zero disables abandonment.
	AbandonAfter time.Duration
}

// Reaper periodically raises Timeout events for time-bounded sessions
// whose deadline passed and Abandoned events for sessions with no
// activity inside the abandon window. It is the only path into
// Abandoned: the state is reaper-raised, never requested directly.
//
// Deadlines are best-effort: the engine does not poll, and a delayed
// scan simply raises the event late. Lost races with concurrent
// transitions are expected and ignored.
type Reaper struct {
	store        SessionStore
	transitioner Transitioner
	config       ReaperConfig
	clock        clock.Clock
	logger       *zap.Logger
}

// NewReaper creates a reaper. Transitions are raised through the given
// Transitioner, which in production is the policy gate.
func NewReaper(cfg ReaperConfig, store SessionStore, tr Transitioner, clk clock.Clock, logger *zap.Logger) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if tr == nil {
		return nil, errors.New("transitioner is required")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reaper{
		store:        store,
		transitioner: tr,
		config:       cfg,
		clock:        clk,
		logger:       logger,
	}, nil
}

// Run scans on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan performs one pass over all sessions. Exported so tests and
// operators can force a pass without waiting for the ticker.
func (r *Reaper) Scan(ctx context.Context) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		r.logger.Warn("reaper scan failed", zap.Error(err))
		return
	}

	now := r.clock.Now()
	for _, s := range sessions {
		if s.State.Terminal() {
			continue
		}

		if s.State.TimeBounded() && s.TimeoutDeadline != nil && s.TimeoutDeadline.Before(now) {
			r.raise(ctx, s, ToTimeout(*s.TimeoutDeadline), "timeout")
			continue
		}

		if r.config.AbandonAfter > 0 && now.Sub(s.LastActivity()) > r.config.AbandonAfter {
			r.raise(ctx, s, Event{To: StateAbandoned, Reason: "no activity before reaper deadline"}, "abandon")
		}
	}
}

func (r *Reaper) raise(ctx context.Context, s *Session, ev Event, kind string) {
	_, err := r.transitioner.Transition(ctx, s.ID, ev, s.Version)
	switch {
	case err == nil:
		r.logger.Info("reaper raised transition",
			zap.String("session_id", s.ID),
			zap.String("kind", kind),
			zap.String("from", string(s.State)),
		)
	case errors.Is(err, ErrStaleSession), errors.Is(err, ErrInvalidTransition):
		// Someone transitioned the session between scan and raise.
		r.logger.Debug("reaper lost race",
			zap.String("session_id", s.ID),
			zap.String("kind", kind),
			zap.Error(err))
	default:
		r.logger.Warn("reaper transition failed",
			zap.String("session_id", s.ID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
