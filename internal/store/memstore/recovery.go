package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/recovery"
	"taskforge/internal/store"
)

// RecoveryStore is the in-memory recovery.Store.
type RecoveryStore struct {
	mu           sync.RWMutex
	attempts     map[string]*recovery.Attempt
	patterns     map[string]*recovery.Pattern // workspaceID+signature
	explanations map[string]*recovery.Explanation
}

// NewRecoveryStore constructs an empty store.
func NewRecoveryStore() *RecoveryStore {
	return &RecoveryStore{
		attempts:     make(map[string]*recovery.Attempt),
		patterns:     make(map[string]*recovery.Pattern),
		explanations: make(map[string]*recovery.Explanation),
	}
}

func (s *RecoveryStore) EnsureSchema(context.Context) error { return nil }

func (s *RecoveryStore) RecordAttempt(_ context.Context, a *recovery.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[a.ID]; ok {
		return &store.DuplicateError{ExistingID: a.ID}
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	clone := *a
	s.attempts[a.ID] = &clone
	return nil
}

func (s *RecoveryStore) CloseAttempt(_ context.Context, id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.attempts[id]
	if !ok {
		return store.ErrNotFound
	}
	done := at.UTC()
	row.CompletedAt = &done
	row.Success = &success
	return nil
}

func (s *RecoveryStore) ListAttemptsByTask(_ context.Context, taskID string) ([]*recovery.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*recovery.Attempt
	for _, row := range s.attempts {
		if row.TaskID == taskID {
			clone := *row
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

func (s *RecoveryStore) ListAttemptsByWorkspace(_ context.Context, workspaceID string, limit int) ([]*recovery.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*recovery.Attempt
	for _, row := range s.attempts {
		if row.WorkspaceID == workspaceID {
			clone := *row
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *RecoveryStore) UpsertPattern(_ context.Context, p *recovery.Pattern) (*recovery.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.WorkspaceID + "\x00" + p.Signature
	now := time.Now().UTC()
	row, ok := s.patterns[key]
	if !ok {
		clone := *p
		clone.OccurrenceCount = 1
		if clone.FirstSeenAt.IsZero() {
			clone.FirstSeenAt = now
		}
		clone.LastSeenAt = now
		s.patterns[key] = &clone
		result := clone
		return &result, nil
	}
	row.OccurrenceCount++
	row.LastSeenAt = now
	if p.SampleMessage != "" {
		row.SampleMessage = p.SampleMessage
	}
	result := *row
	return &result, nil
}

func (s *RecoveryStore) GetPattern(_ context.Context, workspaceID, signature string) (*recovery.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.patterns[workspaceID+"\x00"+signature]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (s *RecoveryStore) RecordExplanation(_ context.Context, e *recovery.Explanation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.explanations[e.ID]; ok {
		return &store.DuplicateError{ExistingID: e.ID}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	clone := *e
	s.explanations[e.ID] = &clone
	return nil
}

func (s *RecoveryStore) ListExplanations(_ context.Context, workspaceID string, onlyUnacknowledged bool) ([]*recovery.Explanation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*recovery.Explanation
	for _, row := range s.explanations {
		if row.WorkspaceID != workspaceID {
			continue
		}
		if onlyUnacknowledged && row.Acknowledged {
			continue
		}
		clone := *row
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *RecoveryStore) AcknowledgeExplanation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.explanations[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Acknowledged = true
	return nil
}
