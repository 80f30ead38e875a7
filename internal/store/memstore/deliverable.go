package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/store"
)

// DeliverableStore is the in-memory deliverable.Store.
type DeliverableStore struct {
	mu     sync.RWMutex
	rows   map[string]*deliverable.Deliverable
	bySlot map[string]string // workspaceID+goalID+title -> id
}

// NewDeliverableStore constructs an empty store.
func NewDeliverableStore() *DeliverableStore {
	return &DeliverableStore{
		rows:   make(map[string]*deliverable.Deliverable),
		bySlot: make(map[string]string),
	}
}

func (s *DeliverableStore) EnsureSchema(context.Context) error { return nil }

func slotKey(workspaceID, goalID, title string) string {
	return workspaceID + "\x00" + goalID + "\x00" + title
}

func (s *DeliverableStore) Create(_ context.Context, d *deliverable.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[d.ID]; ok {
		return &store.DuplicateError{ExistingID: d.ID}
	}
	key := slotKey(d.WorkspaceID, d.GoalID, d.Title)
	if existing, ok := s.bySlot[key]; ok {
		return &store.DuplicateError{ExistingID: existing}
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = deliverable.StatusDraft
	}
	if d.TransformationStatus == "" {
		d.TransformationStatus = deliverable.TransformPending
	}
	s.rows[d.ID] = cloneDeliverable(d)
	s.bySlot[key] = d.ID
	return nil
}

func (s *DeliverableStore) Get(_ context.Context, id string) (*deliverable.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDeliverable(row), nil
}

func (s *DeliverableStore) GetBySlot(_ context.Context, workspaceID, goalID, title string) (*deliverable.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySlot[slotKey(workspaceID, goalID, title)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDeliverable(s.rows[id]), nil
}

func (s *DeliverableStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*deliverable.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.list(func(d *deliverable.Deliverable) bool { return d.WorkspaceID == workspaceID }), nil
}

func (s *DeliverableStore) ListByGoal(_ context.Context, goalID string) ([]*deliverable.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.list(func(d *deliverable.Deliverable) bool { return d.GoalID == goalID }), nil
}

// list expects the read lock to be held.
func (s *DeliverableStore) list(match func(*deliverable.Deliverable) bool) []*deliverable.Deliverable {
	var result []*deliverable.Deliverable
	for _, row := range s.rows {
		if match(row) {
			result = append(result, cloneDeliverable(row))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (s *DeliverableStore) Update(_ context.Context, d *deliverable.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[d.ID]
	if !ok {
		return store.ErrNotFound
	}
	oldKey := slotKey(row.WorkspaceID, row.GoalID, row.Title)
	newKey := slotKey(d.WorkspaceID, d.GoalID, d.Title)
	if newKey != oldKey {
		if existing, taken := s.bySlot[newKey]; taken && existing != d.ID {
			return &store.DuplicateError{ExistingID: existing}
		}
		delete(s.bySlot, oldKey)
		s.bySlot[newKey] = d.ID
	}
	d.UpdatedAt = time.Now().UTC()
	s.rows[d.ID] = cloneDeliverable(d)
	return nil
}

func (s *DeliverableStore) SetStatus(_ context.Context, id string, status deliverable.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = status
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *DeliverableStore) SetDisplay(_ context.Context, id string, content string, format deliverable.DisplayFormat,
	quality float64, status deliverable.TransformationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.DisplayContent = content
	row.DisplayFormat = format
	row.DisplayQualityScore = quality
	row.TransformationStatus = status
	ts := at.UTC()
	row.TransformationTimestamp = &ts
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneDeliverable(d *deliverable.Deliverable) *deliverable.Deliverable {
	clone := *d
	clone.Content = append(json.RawMessage(nil), d.Content...)
	clone.ContributingTasks = append([]string(nil), d.ContributingTasks...)
	clone.SourceInsightIDs = append([]string(nil), d.SourceInsightIDs...)
	if d.TransformationTimestamp != nil {
		ts := *d.TransformationTimestamp
		clone.TransformationTimestamp = &ts
	}
	return &clone
}
