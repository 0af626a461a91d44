package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps approval requests in memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewInMemoryStore creates in-memory approval store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*Request)}
}

func (s *InMemoryStore) Create(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := req
	s.requests[req.ID] = &r
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *req, nil
}

func (s *InMemoryStore) Resolve(_ context.Context, id string, res Resolution) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return *req, ErrNotPending
	}
	if req.Expired(res.At) {
		req.Status = StatusExpired
		return *req, ErrExpired
	}

	at := res.At
	req.Status = res.Status
	req.ResolvedBy = res.By
	req.ResolvedAt = &at
	req.ResolutionNote = res.Note
	return *req, nil
}

func (s *InMemoryStore) Consume(_ context.Context, id, workspaceID, agentID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok || !req.Consumable(workspaceID, agentID, now) {
		return false, nil
	}

	at := now
	req.ConsumedAt = &at
	return true, nil
}

func (s *InMemoryStore) ListPending(_ context.Context, workspaceID string, now time.Time) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]Request, 0)
	for _, req := range s.requests {
		if req.Status != StatusPending || req.Expired(now) {
			continue
		}
		if workspaceID != "" && req.WorkspaceID != workspaceID {
			continue
		}
		pending = append(pending, *req)
	}

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].RequestedAt.Equal(pending[j].RequestedAt) {
			return pending[i].RequestedAt.Before(pending[j].RequestedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}
