package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore implements Store in process memory. It is used for tests and
// for dry runs that should not touch disk.
type MemoryStore struct {
	state State
	mu    sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: State{LastProcessedWorkID: -1}}
}

// Load retrieves the current checkpoint state from memory.
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

// Save stores the checkpoint state in memory.
func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}
