package baseline

import (
	"context"
	"sync"
)

// MemoryStore keeps baselines in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[Key]Baseline
}

// NewMemoryStore creates in-memory baseline store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Key]Baseline)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryStore) Put(_ context.Context, b Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[b.Key] = b
	return nil
}
