package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/insight"
	"taskforge/internal/store"
)

// InsightStore is the in-memory insight.Store.
type InsightStore struct {
	mu   sync.RWMutex
	rows map[string]*insight.Insight
}

// NewInsightStore constructs an empty store.
func NewInsightStore() *InsightStore {
	return &InsightStore{rows: make(map[string]*insight.Insight)}
}

func (s *InsightStore) EnsureSchema(context.Context) error { return nil }

func (s *InsightStore) Insert(_ context.Context, in *insight.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[in.ID]; ok {
		return &store.DuplicateError{ExistingID: in.ID}
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	s.rows[in.ID] = cloneInsight(in)
	return nil
}

func (s *InsightStore) Get(_ context.Context, id string) (*insight.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInsight(row), nil
}

func (s *InsightStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*insight.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*insight.Insight
	for _, row := range s.rows {
		if row.WorkspaceID == workspaceID {
			result = append(result, cloneInsight(row))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InsightStore) CountByWorkspace(_ context.Context, workspaceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, row := range s.rows {
		if row.WorkspaceID == workspaceID {
			count++
		}
	}
	return count, nil
}

func (s *InsightStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func cloneInsight(in *insight.Insight) *insight.Insight {
	clone := *in
	clone.Tags = append([]string(nil), in.Tags...)
	return &clone
}
