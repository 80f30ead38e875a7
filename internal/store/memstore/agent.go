package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/agent"
	"taskforge/internal/store"
)

// AgentStore is the in-memory agent.Store.
type AgentStore struct {
	mu   sync.RWMutex
	rows map[string]*agent.Agent
}

// NewAgentStore constructs an empty store.
func NewAgentStore() *AgentStore {
	return &AgentStore{rows: make(map[string]*agent.Agent)}
}

func (s *AgentStore) EnsureSchema(context.Context) error { return nil }

func (s *AgentStore) Create(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[a.ID]; ok {
		return &store.DuplicateError{ExistingID: a.ID}
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = agent.StatusIdle
	}
	clone := cloneAgent(a)
	s.rows[a.ID] = clone
	return nil
}

func (s *AgentStore) Get(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAgent(row), nil
}

func (s *AgentStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*agent.Agent
	for _, row := range s.rows {
		if row.WorkspaceID == workspaceID {
			result = append(result, cloneAgent(row))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *AgentStore) MarkExecuting(_ context.Context, id, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	if !row.Available(now) {
		return fmt.Errorf("agent %s is %s: %w", id, row.Status, store.ErrConflict)
	}
	row.Status = agent.StatusExecuting
	row.CurrentTaskID = taskID
	row.CooldownUntil = nil
	row.LastUsedAt = &now
	row.UpdatedAt = now
	return nil
}

func (s *AgentStore) MarkIdle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = agent.StatusIdle
	row.CurrentTaskID = ""
	row.CooldownUntil = nil
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *AgentStore) Cooldown(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = agent.StatusCoolingDown
	row.CurrentTaskID = ""
	u := until.UTC()
	row.CooldownUntil = &u
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *AgentStore) Disable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = agent.StatusDisabled
	row.CurrentTaskID = ""
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneAgent(a *agent.Agent) *agent.Agent {
	clone := *a
	clone.Skills = append([]string(nil), a.Skills...)
	if a.CooldownUntil != nil {
		t := *a.CooldownUntil
		clone.CooldownUntil = &t
	}
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		clone.LastUsedAt = &t
	}
	return &clone
}
