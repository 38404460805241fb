package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is the in-process reference Repository. Search falls
// back to substring matching over summaries; the chromem-backed
// repository layers semantic search on top of this index.
type MemoryRepository struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	// versions tracks the highest assigned version per session.
	versions map[string]uint64
	// order holds ids in creation order for stable listing.
	order []string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		snapshots: make(map[string]*Snapshot),
		versions:  make(map[string]uint64),
	}
}

// Create stores the snapshot with the next version for its session.
func (m *MemoryRepository) Create(_ context.Context, req *CreateRequest) (*Snapshot, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	version := m.versions[req.SessionID] + 1
	m.versions[req.SessionID] = version

	s := &Snapshot{
		ID:            uuid.New().String(),
		SessionID:     req.SessionID,
		Version:       version,
		CapturedAt:    req.CapturedAt,
		WorkflowState: req.WorkflowState,
		Freshness:     req.Freshness,
		Scope:         req.Scope,
		CodeGraphRef:  req.CodeGraphRef,
		MemoryRef:     req.MemoryRef,
		VCSHead:       req.VCSHead,
		Summary:       req.Summary,
	}
	m.snapshots[s.ID] = s
	m.order = append(m.order, s.ID)

	copied := *s
	return &copied, nil
}

// Get returns a copy of the snapshot.
func (m *MemoryRepository) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	copied := *s
	return &copied, nil
}

// List returns snapshots newest-first.
func (m *MemoryRepository) List(_ context.Context, limit, offset int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	out := make([]*Snapshot, 0, limit)
	// order is oldest-first; walk backwards.
	for i := len(m.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		s := m.snapshots[m.order[i]]
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

// Timeline returns a session's snapshots in [start, end] ordered by
// version.
func (m *MemoryRepository) Timeline(_ context.Context, sessionID string, start, end time.Time) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, s := range m.snapshots {
		if s.SessionID != sessionID {
			continue
		}
		if !start.IsZero() && s.CapturedAt.Before(start) {
			continue
		}
		if !end.IsZero() && s.CapturedAt.After(end) {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Invalidate flips the audit marker. The snapshot's captured data stays
// untouched.
func (m *MemoryRepository) Invalidate(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	s.Invalidated = true
	s.InvalidatedReason = reason
	return nil
}

// Prune removes snapshots captured before olderThan.
func (m *MemoryRepository) Prune(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []string
	count := 0
	for _, id := range m.order {
		s := m.snapshots[id]
		if s.CapturedAt.Before(olderThan) {
			delete(m.snapshots, id)
			count++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return count, nil
}

// All returns copies of every snapshot in creation order.
func (m *MemoryRepository) All() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Snapshot, 0, len(m.order))
	for _, id := range m.order {
		copied := *m.snapshots[id]
		out = append(out, &copied)
	}
	return out
}

// Search does case-insensitive substring matching over summaries.
func (m *MemoryRepository) Search(_ context.Context, query string, k int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 {
		k = 10
	}
	q := strings.ToLower(query)

	var out []SearchResult
	for i := len(m.order) - 1; i >= 0 && len(out) < k; i-- {
		s := m.snapshots[m.order[i]]
		if s.Invalidated {
			continue
		}
		if strings.Contains(strings.ToLower(s.Summary), q) {
			copied := *s
			out = append(out, SearchResult{Snapshot: &copied, Similarity: 1})
		}
	}
	return out, nil
}
