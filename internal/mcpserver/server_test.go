package mcpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/clock"
	"github.com/fyrsmithlabs/workflowd/internal/eventbus"
	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/gate"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

func newTestGate(t *testing.T) *gate.Gate {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	engine, err := workflow.NewEngine(workflow.Config{DefaultTimeout: 15 * time.Minute},
		workflow.NewMemoryStore(), eventbus.New(zap.NewNop()), clk, zap.NewNop())
	require.NoError(t, err)

	tracker, err := freshness.NewTracker(5*time.Second, 30*time.Second, clk)
	require.NoError(t, err)

	g, err := gate.New(gate.Config{}, engine, snapshot.NewMemoryRepository(),
		tracker, freshness.DefaultPolicy(), clk, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with defaults", func(t *testing.T) {
		s, err := NewServer(nil, newTestGate(t))
		require.NoError(t, err)
		assert.NotNil(t, s.mcp)
		assert.NotNil(t, s.metrics)
	})

	t.Run("returns error when gate is nil", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("custom config", func(t *testing.T) {
		cfg := &Config{Name: "workflowd-test", Version: "0.0.1"}
		s, err := NewServer(cfg, newTestGate(t))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})
}
