package playbook

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps playbooks and executions in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	playbooks  map[string]Playbook
	executions []Execution
}

// NewMemoryStore creates in-memory playbook store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{playbooks: make(map[string]Playbook)}
}

func (s *MemoryStore) Save(_ context.Context, p Playbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.playbooks[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	}
	s.playbooks[p.ID] = p
	return nil
}

func (s *MemoryStore) ListEnabled(_ context.Context, workspaceID string) ([]Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Playbook, 0, len(s.playbooks))
	for _, p := range s.playbooks {
		if !p.Enabled {
			continue
		}
		if p.WorkspaceID != "" && p.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions = append(s.executions, e)
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, eventID int64) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Execution, 0)
	for _, e := range s.executions {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out, nil
}
