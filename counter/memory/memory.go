// Package memory provides an in-memory implementation of the counter store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"

	"github.com/hoplink/hoplink/counter"
)

// Store is an in-memory implementation of the counter.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	states map[string]counter.State
}

// Compile-time check that Store implements counter.Store.
var _ counter.Store = (*Store)(nil)

// New creates a new in-memory counter store.
func New() *Store {
	return &Store{states: make(map[string]counter.State)}
}

// Load returns the state for a workspace, or a zero state at version 0.
func (s *Store) Load(ctx context.Context, workspaceID string) (counter.State, error) {
	select {
	case <-ctx.Done():
		return counter.State{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[workspaceID]
	if !ok {
		return counter.State{WorkspaceID: workspaceID}, nil
	}
	return st, nil
}

// Save persists st, enforcing the optimistic version check.
func (s *Store) Save(ctx context.Context, st counter.State) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stored int64
	if cur, ok := s.states[st.WorkspaceID]; ok {
		stored = cur.Version
	}
	if stored != st.Version {
		return counter.ErrVersionConflict
	}
	st.Version++
	s.states[st.WorkspaceID] = st
	return nil
}
