package state

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*RuntimeState
	saves  int

	// SaveErr, when set, is returned by Save and Modify.
	SaveErr error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*RuntimeState)}
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(_ context.Context, serviceID string) (*RuntimeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[serviceID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

// Save stores a copy of state.
func (s *MemoryStore) Save(_ context.Context, state *RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.states[state.ServiceID] = state.Clone()
	s.saves++
	return nil
}

// Modify applies fn to the stored state under the store lock.
func (s *MemoryStore) Modify(_ context.Context, serviceID string, fn func(*RuntimeState)) (*RuntimeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveErr != nil {
		return nil, s.SaveErr
	}

	st := &RuntimeState{ServiceID: serviceID}
	if cur, ok := s.states[serviceID]; ok {
		st = cur.Clone()
	}
	fn(st)
	s.states[serviceID] = st.Clone()
	s.saves++
	return st, nil
}

// Delete removes a stored state.
func (s *MemoryStore) Delete(_ context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, serviceID)
	return nil
}

// Saves returns how many writes succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
