package snapshot

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("workflowd.snapshot.chromem")

// ChromemConfig configures the chromem-go backed repository.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the
	// database in memory only.
	Path string

	// Collection is the snapshot collection name.
	// Default: "workflowd_snapshots"
	Collection string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the embedding dimension for the local embedder.
	// Default: 256
	VectorSize int
}

// ApplyDefaults sets defaults for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "workflowd_snapshots"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 256
	}
}

// ChromemRepository is a Repository that keeps the authoritative index
// in memory and mirrors summaries into an embedded chromem-go collection
// for semantic search. chromem is pure Go: no external vector service is
// needed.
type ChromemRepository struct {
	index      *MemoryRepository
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemRepository creates a repository. The embedding function may
// be nil, in which case a deterministic local embedder is used.
func NewChromemRepository(cfg ChromemConfig, embed chromem.EmbeddingFunc, logger *zap.Logger) (*ChromemRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	if embed == nil {
		embed = LocalEmbedding(cfg.VectorSize)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("snapshot repository initialized",
		zap.String("collection", cfg.Collection),
		zap.String("path", cfg.Path),
	)

	return &ChromemRepository{
		index:      NewMemoryRepository(),
		db:         db,
		collection: collection,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Create stores the snapshot in the index and mirrors it into chromem.
func (r *ChromemRepository) Create(ctx context.Context, req *CreateRequest) (*Snapshot, error) {
	ctx, span := chromemTracer.Start(ctx, "snapshot.create")
	defer span.End()

	s, err := r.index.Create(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("snapshot_id", s.ID),
		attribute.String("session_id", s.SessionID),
		attribute.Int64("version", int64(s.Version)),
	)

	doc := chromem.Document{
		ID:       s.ID,
		Content:  s.Summary,
		Metadata: snapshotMetadata(s),
	}
	if err := r.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("indexing snapshot %s: %w", s.ID, err)
	}

	r.logger.Debug("captured snapshot",
		zap.String("id", s.ID),
		zap.String("session_id", s.SessionID),
		zap.Uint64("version", s.Version),
	)
	return s, nil
}

// Get returns the snapshot with the given id.
func (r *ChromemRepository) Get(ctx context.Context, id string) (*Snapshot, error) {
	return r.index.Get(ctx, id)
}

// List returns snapshots newest-first.
func (r *ChromemRepository) List(ctx context.Context, limit, offset int) ([]*Snapshot, error) {
	return r.index.List(ctx, limit, offset)
}

// Timeline returns a session's snapshots captured in [start, end].
func (r *ChromemRepository) Timeline(ctx context.Context, sessionID string, start, end time.Time) ([]*Snapshot, error) {
	return r.index.Timeline(ctx, sessionID, start, end)
}

// Invalidate marks the snapshot invalidated in the index. The chromem
// document stays; search filters invalidated hits through the index.
func (r *ChromemRepository) Invalidate(ctx context.Context, id, reason string) error {
	return r.index.Invalidate(ctx, id, reason)
}

// Prune removes snapshots captured before olderThan from both the index
// and the collection.
func (r *ChromemRepository) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, span := chromemTracer.Start(ctx, "snapshot.prune")
	defer span.End()

	// Collect doomed ids before mutating the index.
	var ids []string
	for _, s := range r.index.All() {
		if s.CapturedAt.Before(olderThan) {
			ids = append(ids, s.ID)
		}
	}

	count, err := r.index.Prune(ctx, olderThan)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(ids) > 0 {
		if err := r.collection.Delete(ctx, nil, nil, ids...); err != nil {
			span.RecordError(err)
			return count, fmt.Errorf("deleting %d pruned snapshots from collection: %w", len(ids), err)
		}
	}

	span.SetAttributes(attribute.Int("pruned", count))
	r.logger.Info("pruned snapshots", zap.Int("count", count))
	return count, nil
}

// Search queries the chromem collection and resolves hits through the
// index so each result carries its full snapshot with version.
func (r *ChromemRepository) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "snapshot.search")
	defer span.End()

	if k <= 0 {
		k = 10
	}
	// chromem rejects nResults larger than the collection.
	if n := r.collection.Count(); k > n {
		k = n
	}
	if k == 0 {
		return []SearchResult{}, nil
	}

	results, err := r.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, res := range results {
		s, err := r.index.Get(ctx, res.ID)
		if err != nil {
			// Pruned between query and resolve.
			if errors.Is(err, ErrSnapshotNotFound) {
				continue
			}
			return nil, err
		}
		if s.Invalidated {
			continue
		}
		out = append(out, SearchResult{Snapshot: s, Similarity: res.Similarity})
	}

	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

func snapshotMetadata(s *Snapshot) map[string]string {
	return map[string]string{
		"session_id":     s.SessionID,
		"version":        strconv.FormatUint(s.Version, 10),
		"workflow_state": string(s.WorkflowState),
		"freshness":      string(s.Freshness),
		"project_id":     s.Scope.ProjectID,
		"captured_at":    strconv.FormatInt(s.CapturedAt.Unix(), 10),
	}
}

// LocalEmbedding returns a deterministic token-hash embedder. It is not
// a learned model; it gives stable, offline similarity good enough for
// summary search without an embedding service.
func LocalEmbedding(dim int) chromem.EmbeddingFunc {
	if dim <= 0 {
		dim = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[int(h.Sum32())%dim]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			// chromem requires normalized, non-zero vectors.
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
