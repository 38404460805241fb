// Package snapshot provides the immutable context snapshot model and its
// repository implementations.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrSnapshotNotFound means no snapshot exists for the given id.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Repository persists context snapshots. Snapshots are append-only:
// Create is the only way data enters, Invalidate only flips the audit
// marker, and Prune is the only deletion path and must be invoked
// explicitly. Nothing prunes implicitly.
type Repository interface {
	// Create stores the snapshot, assigning its id and the next
	// monotonic version for the session, and returns the id.
	Create(ctx context.Context, req *CreateRequest) (*Snapshot, error)

	// Get returns the snapshot with the given id.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// List returns snapshots ordered newest-first.
	List(ctx context.Context, limit, offset int) ([]*Snapshot, error)

	// Timeline returns a session's snapshots captured in [start, end],
	// ordered by version.
	Timeline(ctx context.Context, sessionID string, start, end time.Time) ([]*Snapshot, error)

	// Invalidate marks a snapshot as invalidated with the given reason.
	// The snapshot remains readable for audit.
	Invalidate(ctx context.Context, id, reason string) error

	// Prune removes snapshots captured before olderThan and returns the
	// count removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Search returns snapshots semantically similar to the query. Every
	// result carries its snapshot version.
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)
}
