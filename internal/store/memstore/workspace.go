// Package memstore implements every persistence port in process memory. It
// backs the test suite and local demos; the Postgres stores are the
// production backend.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/workspace"
	"taskforge/internal/store"
)

// WorkspaceStore is the in-memory workspace.Store.
type WorkspaceStore struct {
	mu   sync.RWMutex
	rows map[string]*workspace.Workspace
}

// NewWorkspaceStore constructs an empty store.
func NewWorkspaceStore() *WorkspaceStore {
	return &WorkspaceStore{rows: make(map[string]*workspace.Workspace)}
}

func (s *WorkspaceStore) EnsureSchema(context.Context) error { return nil }

func (s *WorkspaceStore) Create(_ context.Context, ws *workspace.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[ws.ID]; ok {
		return &store.DuplicateError{ExistingID: ws.ID}
	}
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.Version == 0 {
		ws.Version = 1
	}
	clone := *ws
	s.rows[ws.ID] = &clone
	return nil
}

func (s *WorkspaceStore) Get(_ context.Context, id string) (*workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *row
	clone.Status = workspace.Normalize(clone.Status)
	return &clone, nil
}

func (s *WorkspaceStore) List(_ context.Context, limit, offset int) ([]*workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*workspace.Workspace, 0, len(s.rows))
	for _, row := range s.rows {
		clone := *row
		clone.Status = workspace.Normalize(clone.Status)
		all = append(all, &clone)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *WorkspaceStore) ListByStatus(_ context.Context, statuses ...workspace.Status) ([]*workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[workspace.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var result []*workspace.Workspace
	for _, row := range s.rows {
		status := workspace.Normalize(row.Status)
		if want[status] {
			clone := *row
			clone.Status = status
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *WorkspaceStore) SetStatus(_ context.Context, id string, from, to workspace.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	current := workspace.Normalize(row.Status)
	if current != workspace.Normalize(from) {
		return store.ErrConflict
	}
	if !workspace.CanTransition(current, to) {
		return store.ErrInvalidTransition
	}
	row.Status = to
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *WorkspaceStore) RecordRecovery(_ context.Context, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	row.RecoveryCount++
	row.TotalRecoveryAttempts++
	if success {
		row.SuccessfulRecoveries++
	}
	row.LastRecoveryAt = &now
	row.UpdatedAt = now
	return nil
}

func (s *WorkspaceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}
