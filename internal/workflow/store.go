package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrVersionConflict is returned by a SessionStore when the conditional
// write's expected version does not match the stored version.
var ErrVersionConflict = errors.New("session version conflict")

// SessionStore persists workflow sessions. Save is conditional: it
// succeeds only when the stored version equals expectedVersion, which is
// the version the caller observed before mutating. expectedVersion 0
// with no stored session creates it. Implementations must provide at
// least read-committed isolation.
type SessionStore interface {
	Save(ctx context.Context, s *Session, expectedVersion uint64) error
	Load(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
}

// MemoryStore is the in-process reference SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Save stores a deep copy of s if the version precondition holds.
func (m *MemoryStore) Save(_ context.Context, s *Session, expectedVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[s.ID]
	if !ok {
		if expectedVersion != 0 {
			return fmt.Errorf("%w: session %s does not exist", ErrVersionConflict, s.ID)
		}
		m.sessions[s.ID] = s.Clone()
		return nil
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, expectedVersion, stored.Version)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Load returns a deep copy of the stored session.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

// List returns copies of every stored session.
func (m *MemoryStore) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}
