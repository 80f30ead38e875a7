// Package queue implements task admission and scheduling: semantic
// deduplication, backpressure, priority scoring, and the status moves the
// supervisor drives tasks through.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/task"
	"taskforge/internal/events"
	"taskforge/internal/ids"
	"taskforge/internal/logging"
	"taskforge/internal/store"
)

var (
	// ErrUnknownGoal rejects tasks that reference a goal that does not exist.
	ErrUnknownGoal = errors.New("queue: unknown goal")

	// ErrGoalInactive rejects tasks whose goal no longer accepts work.
	ErrGoalInactive = errors.New("queue: goal does not accept tasks")

	// ErrBackpressure rejects tasks when the workspace's open-task ceiling is
	// reached.
	ErrBackpressure = errors.New("queue: workspace task ceiling reached")
)

// openStatuses are the statuses counted against the queue ceiling. Only work
// still waiting to run counts; tasks already executing or routed through
// recovery do not block the admission of new work.
var openStatuses = []task.Status{task.StatusPending, task.StatusReady}

// Config bounds the queue.
type Config struct {
	Ceiling      int
	BasePriority float64
}

// Service is the task queue.
type Service struct {
	tasks  task.Store
	goals  goal.Registry
	bus    *events.Bus
	cfg    Config
	logger logging.Logger

	now func() time.Time
}

// NewService builds the queue service.
func NewService(tasks task.Store, goals goal.Registry, bus *events.Bus, cfg Config, logger logging.Logger) *Service {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 200
	}
	return &Service{
		tasks:  tasks,
		goals:  goals,
		bus:    bus,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Spec describes a task to enqueue.
type Spec struct {
	WorkspaceID  string
	GoalID       string
	Name         string
	Description  string
	Contribution float64
	BasePriority float64
}

// Enqueue admits a task. Duplicate work (same name, description, and goal in
// the workspace) returns the surviving task instead of creating a second row.
func (s *Service) Enqueue(ctx context.Context, spec Spec) (*task.Task, error) {
	if spec.WorkspaceID == "" || spec.GoalID == "" || spec.Name == "" {
		return nil, fmt.Errorf("queue: workspace, goal, and name are required")
	}

	g, err := s.goals.Get(ctx, spec.GoalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGoal, spec.GoalID)
		}
		return nil, err
	}
	if g.WorkspaceID != spec.WorkspaceID {
		return nil, fmt.Errorf("%w: %s belongs to another workspace", ErrUnknownGoal, spec.GoalID)
	}
	if !g.Status.AcceptsTasks() {
		return nil, fmt.Errorf("%w: goal %s is %s", ErrGoalInactive, g.ID, g.Status)
	}

	open, err := s.tasks.CountByWorkspace(ctx, spec.WorkspaceID, openStatuses...)
	if err != nil {
		return nil, err
	}
	if open >= s.cfg.Ceiling {
		return nil, fmt.Errorf("%w: %d open tasks", ErrBackpressure, open)
	}

	now := s.now().UTC()
	base := spec.BasePriority
	if base == 0 {
		base = s.cfg.BasePriority
	}
	t := &task.Task{
		ID:           ids.New(),
		WorkspaceID:  spec.WorkspaceID,
		GoalID:       spec.GoalID,
		Name:         spec.Name,
		Description:  spec.Description,
		Status:       task.StatusReady,
		Contribution: spec.Contribution,
		TraceID:      ids.TraceID(ctx),
		CreatedAt:    now,
	}
	t.FillSemanticHash()
	t.PriorityScore = task.ComputePriority(task.PriorityInputs{
		BasePriority: base,
		GoalWeight:   g.Priority.Weight(),
		PendingSince: now,
		Now:          now,
	})

	if err := s.tasks.Create(ctx, t); err != nil {
		if existingID, ok := store.ExistingID(err); ok {
			s.logger.Debug("duplicate task %q collapsed into %s", spec.Name, existingID)
			return s.tasks.Get(ctx, existingID)
		}
		return nil, err
	}

	s.publishStatus(t, "")
	return t, nil
}

// PickReady returns up to limit dispatchable tasks for the workspace after
// refreshing their aging-based priority scores. Tasks whose goal stopped
// accepting work are skipped and parked back to pending.
func (s *Service) PickReady(ctx context.Context, workspaceID string, limit int) ([]*task.Task, error) {
	now := s.now().UTC()

	candidates, err := s.tasks.ListReady(ctx, workspaceID, now, limit*2)
	if err != nil {
		return nil, err
	}

	goalOK := make(map[string]bool)
	var picked []*task.Task
	for _, t := range candidates {
		ok, seen := goalOK[t.GoalID]
		if !seen {
			g, err := s.goals.Get(ctx, t.GoalID)
			ok = err == nil && g.Status.AcceptsTasks()
			goalOK[t.GoalID] = ok
		}
		if !ok {
			if err := s.tasks.SetStatus(ctx, t.ID, task.StatusPending); err != nil && !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("park task %s: %v", t.ID, err)
			}
			continue
		}
		picked = append(picked, t)
		if limit > 0 && len(picked) >= limit {
			break
		}
	}
	return picked, nil
}

// RefreshPriorities recomputes priority scores for ready tasks so aging work
// climbs the queue.
func (s *Service) RefreshPriorities(ctx context.Context, workspaceID string) error {
	now := s.now().UTC()
	ready, err := s.tasks.ListByWorkspace(ctx, workspaceID, task.StatusReady)
	if err != nil {
		return err
	}
	for _, t := range ready {
		g, err := s.goals.Get(ctx, t.GoalID)
		if err != nil {
			continue
		}
		score := task.ComputePriority(task.PriorityInputs{
			BasePriority:  s.cfg.BasePriority,
			GoalWeight:    g.Priority.Weight(),
			PendingSince:  t.CreatedAt,
			RecoveryCount: t.RecoveryCount,
			Now:           now,
		})
		if err := s.tasks.SetPriority(ctx, t.ID, score); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// MarkInProgress moves a task into execution under the given agent.
func (s *Service) MarkInProgress(ctx context.Context, t *task.Task, agentID string) error {
	if err := s.tasks.AssignAgent(ctx, t.ID, agentID); err != nil {
		return err
	}
	if err := s.tasks.SetStatus(ctx, t.ID, task.StatusInProgress); err != nil {
		return err
	}
	t.AgentID = agentID
	t.LastAgentID = agentID
	t.Status = task.StatusInProgress
	s.publishStatus(t, agentID)
	return nil
}

// MarkCompleted records a successful execution and its output.
func (s *Service) MarkCompleted(ctx context.Context, t *task.Task, out *task.Output) error {
	if out != nil {
		if err := s.tasks.SaveOutput(ctx, t.ID, out); err != nil {
			return err
		}
	}
	if err := s.tasks.SetStatus(ctx, t.ID, task.StatusCompleted); err != nil {
		return err
	}
	t.Status = task.StatusCompleted
	s.publishStatus(t, t.AgentID)
	return nil
}

// MarkFailed records a failed execution with its failure kind.
func (s *Service) MarkFailed(ctx context.Context, t *task.Task, failureKind string) error {
	if err := s.tasks.RecordFailure(ctx, t.ID, failureKind); err != nil {
		return err
	}
	if err := s.tasks.SetStatus(ctx, t.ID, task.StatusFailed); err != nil {
		return err
	}
	t.Status = task.StatusFailed
	t.RecoveryCount++
	t.LastFailureType = failureKind
	if t.AgentID != "" && t.AgentID == t.LastFailureAgentID {
		t.SameAgentFailures++
	} else {
		t.SameAgentFailures = 1
	}
	t.LastFailureAgentID = t.AgentID
	s.publishStatus(t, t.AgentID)
	return nil
}

// MarkCancelled terminates a task without executing it.
func (s *Service) MarkCancelled(ctx context.Context, t *task.Task) error {
	if err := s.tasks.SetStatus(ctx, t.ID, task.StatusCancelled); err != nil {
		return err
	}
	t.Status = task.StatusCancelled
	s.publishStatus(t, t.AgentID)
	return nil
}

// Requeue puts a failed task back in the ready lane after an optional
// cooldown, with its priority rescored to account for the failed attempts.
func (s *Service) Requeue(ctx context.Context, t *task.Task, delay time.Duration) error {
	now := s.now().UTC()

	var until *time.Time
	if delay > 0 {
		u := now.Add(delay)
		until = &u
	}
	if err := s.tasks.SetCooldown(ctx, t.ID, until); err != nil {
		return err
	}

	g, err := s.goals.Get(ctx, t.GoalID)
	if err != nil {
		return err
	}
	score := task.ComputePriority(task.PriorityInputs{
		BasePriority:  s.cfg.BasePriority,
		GoalWeight:    g.Priority.Weight(),
		PendingSince:  t.CreatedAt,
		RecoveryCount: t.RecoveryCount,
		Now:           now,
	})
	if err := s.tasks.SetPriority(ctx, t.ID, score); err != nil {
		return err
	}
	if err := s.tasks.SetStatus(ctx, t.ID, task.StatusReady); err != nil {
		return err
	}
	t.Status = task.StatusReady
	t.PriorityScore = score
	t.CooldownUntil = until
	s.publishStatus(t, t.AgentID)
	return nil
}

func (s *Service) publishStatus(t *task.Task, agentID string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(&events.Event{
		Type:        events.TaskStatusChanged,
		WorkspaceID: t.WorkspaceID,
		EntityID:    t.ID,
		TraceID:     t.TraceID,
		Payload: map[string]any{
			"status":   string(t.Status),
			"agent_id": agentID,
			"goal_id":  t.GoalID,
		},
	})
}
