package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/task"
	"taskforge/internal/store"
)

// TaskStore is the in-memory task.Store.
type TaskStore struct {
	mu      sync.RWMutex
	rows    map[string]*task.Task
	byHash  map[string]string // workspaceID+"\x00"+hash -> task id
	outputs map[string][]byte
}

// NewTaskStore constructs an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		rows:    make(map[string]*task.Task),
		byHash:  make(map[string]string),
		outputs: make(map[string][]byte),
	}
}

func (s *TaskStore) EnsureSchema(context.Context) error { return nil }

func hashKey(workspaceID, hash string) string { return workspaceID + "\x00" + hash }

func (s *TaskStore) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[t.ID]; ok {
		return &store.DuplicateError{ExistingID: t.ID}
	}
	if t.SemanticHash == "" {
		t.FillSemanticHash()
	}
	key := hashKey(t.WorkspaceID, t.SemanticHash)
	if existing, ok := s.byHash[key]; ok {
		return &store.DuplicateError{ExistingID: existing}
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	clone := cloneTask(t)
	s.rows[t.ID] = clone
	s.byHash[key] = t.ID
	return nil
}

func (s *TaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(row), nil
}

func (s *TaskStore) GetBySemanticHash(_ context.Context, workspaceID, hash string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hashKey(workspaceID, hash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(s.rows[id]), nil
}

func (s *TaskStore) ListByWorkspace(_ context.Context, workspaceID string, statuses ...task.Status) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(t *task.Task) bool { return t.WorkspaceID == workspaceID }, statuses), nil
}

func (s *TaskStore) ListByGoal(_ context.Context, goalID string, statuses ...task.Status) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(t *task.Task) bool { return t.GoalID == goalID }, statuses), nil
}

// filter expects the read lock to be held.
func (s *TaskStore) filter(match func(*task.Task) bool, statuses []task.Status) []*task.Task {
	want := make(map[task.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var result []*task.Task
	for _, row := range s.rows {
		if !match(row) {
			continue
		}
		if len(want) > 0 && !want[row.Status] {
			continue
		}
		result = append(result, cloneTask(row))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (s *TaskStore) ListReady(_ context.Context, workspaceID string, now time.Time, limit int) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*task.Task
	for _, row := range s.rows {
		if row.WorkspaceID != workspaceID || row.Status != task.StatusReady {
			continue
		}
		if row.CooldownUntil != nil && now.Before(*row.CooldownUntil) {
			continue
		}
		result = append(result, cloneTask(row))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PriorityScore != result[j].PriorityScore {
			return result[i].PriorityScore > result[j].PriorityScore
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *TaskStore) CountByWorkspace(_ context.Context, workspaceID string, statuses ...task.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[task.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	count := 0
	for _, row := range s.rows {
		if row.WorkspaceID != workspaceID {
			continue
		}
		if len(want) > 0 && !want[row.Status] {
			continue
		}
		count++
	}
	return count, nil
}

func (s *TaskStore) SetStatus(_ context.Context, id string, status task.Status) error {
	return s.update(id, func(t *task.Task) { t.Status = status })
}

func (s *TaskStore) AssignAgent(_ context.Context, id, agentID string) error {
	return s.update(id, func(t *task.Task) {
		t.AgentID = agentID
		t.LastAgentID = agentID
	})
}

func (s *TaskStore) SetPriority(_ context.Context, id string, score float64) error {
	return s.update(id, func(t *task.Task) { t.PriorityScore = score })
}

func (s *TaskStore) SetCooldown(_ context.Context, id string, until *time.Time) error {
	return s.update(id, func(t *task.Task) {
		if until == nil {
			t.CooldownUntil = nil
			return
		}
		u := until.UTC()
		t.CooldownUntil = &u
	})
}

func (s *TaskStore) RecordFailure(_ context.Context, id string, failureType string) error {
	return s.update(id, func(t *task.Task) {
		t.RecoveryCount++
		t.LastFailureType = failureType
		if t.AgentID != "" && t.AgentID == t.LastFailureAgentID {
			t.SameAgentFailures++
		} else {
			t.SameAgentFailures = 1
		}
		t.LastFailureAgentID = t.AgentID
	})
}

func (s *TaskStore) SetQualityFlag(_ context.Context, id string, flag task.QualityFlag) error {
	return s.update(id, func(t *task.Task) { t.QualityFlag = flag })
}

func (s *TaskStore) SaveOutput(_ context.Context, id string, out *task.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return store.ErrNotFound
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	s.outputs[id] = raw
	return nil
}

func (s *TaskStore) GetOutput(_ context.Context, id string) (*task.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.outputs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out task.Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *TaskStore) update(id string, mutate func(*task.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	mutate(row)
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneTask(t *task.Task) *task.Task {
	clone := *t
	if t.CooldownUntil != nil {
		u := *t.CooldownUntil
		clone.CooldownUntil = &u
	}
	return &clone
}
