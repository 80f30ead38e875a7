package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskforge/internal/domain/goal"
	"taskforge/internal/store"
)

// GoalRegistry is the in-memory goal.Registry.
type GoalRegistry struct {
	mu   sync.RWMutex
	rows map[string]*goal.Goal
}

// NewGoalRegistry constructs an empty registry.
func NewGoalRegistry() *GoalRegistry {
	return &GoalRegistry{rows: make(map[string]*goal.Goal)}
}

func (r *GoalRegistry) EnsureSchema(context.Context) error { return nil }

func (r *GoalRegistry) Create(_ context.Context, g *goal.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[g.ID]; ok {
		return &store.DuplicateError{ExistingID: g.ID}
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Version == 0 {
		g.Version = 1
	}
	clone := *g
	r.rows[g.ID] = &clone
	return nil
}

func (r *GoalRegistry) Get(_ context.Context, id string) (*goal.Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *GoalRegistry) ListByWorkspace(_ context.Context, workspaceID string) ([]*goal.Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*goal.Goal
	for _, row := range r.rows {
		if row.WorkspaceID == workspaceID {
			clone := *row
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *GoalRegistry) Advance(_ context.Context, id string, delta float64) (*goal.Goal, error) {
	if delta < 0 {
		return nil, fmt.Errorf("goal advance: negative delta %v (use Rollback)", delta)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	row.CurrentValue += delta
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	clone := *row
	return &clone, nil
}

func (r *GoalRegistry) Rollback(_ context.Context, id string, newValue float64) (*goal.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	row.CurrentValue = newValue
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	clone := *row
	return &clone, nil
}

func (r *GoalRegistry) ReportProgress(_ context.Context, id string, pct float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.ReportedProgress = pct
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *GoalRegistry) SetStatus(_ context.Context, id string, status goal.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = status
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	return nil
}
