package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/gate"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid transition", workflow.ErrInvalidTransition, "invalid_transition"},
		{"stale session", workflow.ErrStaleSession, "stale_session"},
		{"not found", workflow.ErrSessionNotFound, "not_found"},
		{"conflicting scope", scope.ErrConflictingScope, "conflicting_scope"},
		{"freshness violation", freshness.ErrFreshnessViolation, "freshness_violation"},
		{"rate limited", gate.ErrRateLimited, "rate_limited"},
		{"wrapped sentinel", fmt.Errorf("transition rejected: %w", workflow.ErrStaleSession), "stale_session"},
		{"unknown", errors.New("disk on fire"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeError(tt.err))
		})
	}
}

// Recording must be safe with the default no-op meter provider.
func TestMetricsRecordingDoesNotPanic(t *testing.T) {
	m := NewMetrics(nil)
	ctx := context.Background()

	m.IncrementActive(ctx, "workflow_start")
	m.RecordInvocation(ctx, "workflow_start", 10*time.Millisecond, nil)
	m.RecordInvocation(ctx, "workflow_start", 10*time.Millisecond, workflow.ErrStaleSession)
	m.DecrementActive(ctx, "workflow_start")
}
