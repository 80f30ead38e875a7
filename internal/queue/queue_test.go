package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/task"
	"taskforge/internal/events"
	"taskforge/internal/store/memstore"
)

type fixture struct {
	svc   *Service
	tasks *memstore.TaskStore
	goals *memstore.GoalRegistry
}

func newFixture(t *testing.T, ceiling int) *fixture {
	t.Helper()
	tasks := memstore.NewTaskStore()
	goals := memstore.NewGoalRegistry()
	svc := NewService(tasks, goals, events.NewBus(), Config{Ceiling: ceiling, BasePriority: 5}, nil)
	return &fixture{svc: svc, tasks: tasks, goals: goals}
}

func (f *fixture) addGoal(t *testing.T, id string, status goal.Status, priority goal.Priority) {
	t.Helper()
	require.NoError(t, f.goals.Create(context.Background(), &goal.Goal{
		ID: id, WorkspaceID: "ws", Description: id,
		MetricType: goal.MetricCount, TargetValue: 10,
		Status: status, Priority: priority,
	}))
}

func TestEnqueueRejectsUnknownGoal(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.Enqueue(context.Background(), Spec{WorkspaceID: "ws", GoalID: "missing", Name: "x"})
	require.ErrorIs(t, err, ErrUnknownGoal)
}

func TestEnqueueRejectsInactiveGoal(t *testing.T) {
	f := newFixture(t, 10)
	f.addGoal(t, "g", goal.StatusCompleted, goal.PriorityMedium)
	_, err := f.svc.Enqueue(context.Background(), Spec{WorkspaceID: "ws", GoalID: "g", Name: "x"})
	require.ErrorIs(t, err, ErrGoalInactive)
}

func TestEnqueueDeduplicates(t *testing.T) {
	f := newFixture(t, 10)
	f.addGoal(t, "g", goal.StatusActive, goal.PriorityMedium)
	ctx := context.Background()

	first, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "collect", Description: "d"})
	require.NoError(t, err)

	second, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "collect", Description: "d"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	count, err := f.tasks.CountByWorkspace(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestEnqueueBackpressure(t *testing.T) {
	f := newFixture(t, 2)
	f.addGoal(t, "g", goal.StatusActive, goal.PriorityMedium)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "a"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "b"})
	require.NoError(t, err)

	_, err = f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "c"})
	require.ErrorIs(t, err, ErrBackpressure)
}

func TestBackpressureIgnoresSettledTasks(t *testing.T) {
	f := newFixture(t, 2)
	f.addGoal(t, "g", goal.StatusActive, goal.PriorityMedium)
	ctx := context.Background()

	first, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "a"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "b"})
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "c"})
	require.ErrorIs(t, err, ErrBackpressure)

	// Work that started executing no longer occupies a queue slot.
	require.NoError(t, f.svc.MarkInProgress(ctx, first, "agent-1"))
	_, err = f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "c"})
	require.NoError(t, err)
}

func TestPickReadyHonorsGoalPriority(t *testing.T) {
	f := newFixture(t, 10)
	f.addGoal(t, "low", goal.StatusActive, goal.PriorityLow)
	f.addGoal(t, "crit", goal.StatusActive, goal.PriorityCritical)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "low", Name: "background"})
	require.NoError(t, err)
	urgent, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "crit", Name: "urgent"})
	require.NoError(t, err)

	picked, err := f.svc.PickReady(ctx, "ws", 1)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	require.Equal(t, urgent.ID, picked[0].ID)
}

func TestPickReadyParksTasksOfClosedGoals(t *testing.T) {
	f := newFixture(t, 10)
	f.addGoal(t, "g", goal.StatusActive, goal.PriorityMedium)
	ctx := context.Background()

	enqueued, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "late"})
	require.NoError(t, err)

	require.NoError(t, f.goals.SetStatus(ctx, "g", goal.StatusCancelled))

	picked, err := f.svc.PickReady(ctx, "ws", 5)
	require.NoError(t, err)
	require.Empty(t, picked)

	parked, err := f.tasks.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, parked.Status)
}

func TestRequeueAppliesCooldownAndPenalty(t *testing.T) {
	f := newFixture(t, 10)
	f.addGoal(t, "g", goal.StatusActive, goal.PriorityMedium)
	ctx := context.Background()

	tk, err := f.svc.Enqueue(ctx, Spec{WorkspaceID: "ws", GoalID: "g", Name: "fragile"})
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkInProgress(ctx, tk, "agent-1"))
	require.NoError(t, f.svc.MarkFailed(ctx, tk, "timeout"))
	require.NoError(t, f.svc.Requeue(ctx, tk, time.Minute))

	stored, err := f.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusReady, stored.Status)
	require.NotNil(t, stored.CooldownUntil)
	require.Equal(t, 1, stored.RecoveryCount)

	// Cooldown keeps the task out of the ready set.
	picked, err := f.svc.PickReady(ctx, "ws", 5)
	require.NoError(t, err)
	require.Empty(t, picked)
}
