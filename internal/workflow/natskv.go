package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// KVStore is a SessionStore backed by a NATS JetStream key-value bucket.
// The version precondition is enforced twice: against the session version
// embedded in the stored payload, and against the KV entry revision via
// Update, so a writer racing between our read and write still loses.
type KVStore struct {
	kv     nats.KeyValue
	logger *zap.Logger
}

// NewKVStore creates (or binds to) the given KV bucket.
func NewKVStore(nc *nats.Conn, bucket string, logger *zap.Logger) (*KVStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening KV bucket %s: %w", bucket, err)
	}

	return &KVStore{kv: kv, logger: logger}, nil
}

// Save performs the conditional write described by SessionStore.
func (k *KVStore) Save(ctx context.Context, s *Session, expectedVersion uint64) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", s.ID, err)
	}

	entry, err := k.kv.Get(s.ID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		if expectedVersion != 0 {
			return fmt.Errorf("%w: session %s does not exist", ErrVersionConflict, s.ID)
		}
		if _, err := k.kv.Create(s.ID, data); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return fmt.Errorf("%w: concurrent create of %s", ErrVersionConflict, s.ID)
			}
			return fmt.Errorf("creating session %s: %w", s.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session %s: %w", s.ID, err)
	}

	var stored Session
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		return fmt.Errorf("unmarshaling session %s: %w", s.ID, err)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, expectedVersion, stored.Version)
	}

	// Revision-checked update: loses cleanly to a writer that committed
	// between our Get and this call.
	if _, err := k.kv.Update(s.ID, data, entry.Revision()); err != nil {
		k.logger.Debug("conditional update rejected",
			zap.String("session_id", s.ID),
			zap.Uint64("expected_version", expectedVersion),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return nil
}

// Load returns the stored session.
func (k *KVStore) Load(ctx context.Context, id string) (*Session, error) {
	entry, err := k.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("unmarshaling session %s: %w", id, err)
	}
	return &s, nil
}

// List returns every stored session.
func (k *KVStore) List(ctx context.Context) ([]*Session, error) {
	keys, err := k.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return []*Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]*Session, 0, len(keys))
	for _, key := range keys {
		s, err := k.Load(ctx, key)
		if err != nil {
			// A session deleted between Keys and Get is not an error.
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
