package aggregator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/task"
	"taskforge/internal/events"
	"taskforge/internal/store/memstore"
	"taskforge/internal/transform"
)

type fixture struct {
	svc          *Service
	goals        *memstore.GoalRegistry
	deliverables *memstore.DeliverableStore
	bus          *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	goals := memstore.NewGoalRegistry()
	deliverables := memstore.NewDeliverableStore()
	bus := events.NewBus()
	tr, err := transform.New(nil, transform.Config{}, nil)
	require.NoError(t, err)
	svc := NewService(deliverables, goals, tr, bus, Config{MinCompletedTasks: 2}, nil)
	return &fixture{svc: svc, goals: goals, deliverables: deliverables, bus: bus}
}

func (f *fixture) addGoal(t *testing.T, target float64) {
	t.Helper()
	require.NoError(t, f.goals.Create(context.Background(), &goal.Goal{
		ID: "g", WorkspaceID: "ws", Description: "Collect qualified leads",
		MetricType: goal.MetricCount, TargetValue: target, Status: goal.StatusActive,
		Priority: goal.PriorityMedium,
	}))
}

func taskWith(id string) *task.Task {
	return &task.Task{ID: id, WorkspaceID: "ws", GoalID: "g", Name: "t-" + id, Contribution: 1}
}

func outputWith(records int, summary string) *task.Output {
	out := &task.Output{Kind: task.OutputStructured, Summary: summary, Contribution: 1}
	for i := 0; i < records; i++ {
		out.Records = append(out.Records, task.Record{"n": i})
	}
	return out
}

func TestIngestCreatesDeliverableAndAdvancesGoal(t *testing.T) {
	f := newFixture(t)
	f.addGoal(t, 10)
	ctx := context.Background()

	d, err := f.svc.Ingest(ctx, taskWith("t1"), outputWith(2, "batch one"))
	require.NoError(t, err)
	require.Equal(t, deliverable.StatusInProgress, d.Status)
	require.Equal(t, []string{"t1"}, d.ContributingTasks)

	g, err := f.goals.Get(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 1.0, g.CurrentValue)
	require.Equal(t, 10.0, g.ReportedProgress)
}

func TestIngestAppendsToExistingSlot(t *testing.T) {
	f := newFixture(t)
	f.addGoal(t, 10)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, taskWith("t1"), outputWith(2, "one"))
	require.NoError(t, err)
	second, err := f.svc.Ingest(ctx, taskWith("t2"), outputWith(3, "two"))
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "same goal must share one deliverable slot")
	require.Len(t, second.ContributingTasks, 2)

	var merged struct {
		Records   []task.Record `json:"records"`
		Summaries []string      `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(second.Content, &merged))
	require.Len(t, merged.Records, 5)
	require.Equal(t, []string{"one", "two"}, merged.Summaries)
}

func TestIngestSameTaskTwiceCountsOnce(t *testing.T) {
	f := newFixture(t)
	f.addGoal(t, 10)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, taskWith("t1"), outputWith(1, "a"))
	require.NoError(t, err)
	d, err := f.svc.Ingest(ctx, taskWith("t1"), outputWith(1, "a"))
	require.NoError(t, err)

	require.Len(t, d.ContributingTasks, 1)
	require.Equal(t, 1.0, d.ContributedValue)
}

func TestGoalSatisfactionFinalizesDeliverable(t *testing.T) {
	f := newFixture(t)
	f.addGoal(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.bus.Watch(ctx, "ws")
	require.NoError(t, err)

	_, err = f.svc.Ingest(ctx, taskWith("t1"), outputWith(1, "one"))
	require.NoError(t, err)
	d, err := f.svc.Ingest(ctx, taskWith("t2"), outputWith(1, "two"))
	require.NoError(t, err)

	require.Equal(t, deliverable.StatusCompleted, d.Status)
	require.Equal(t, deliverable.TransformSuccess, d.TransformationStatus)
	require.NotEmpty(t, d.DisplayContent)
	require.True(t, d.DisplayReady())

	var sawReady bool
	timeout := time.After(time.Second)
	for !sawReady {
		select {
		case evt := <-ch:
			if evt.Type == events.DeliverableReady {
				sawReady = true
			}
		case <-timeout:
			t.Fatal("deliverable.ready event not published")
		}
	}
}

func TestMinimumContributingTasksGate(t *testing.T) {
	f := newFixture(t)
	f.addGoal(t, 1)
	ctx := context.Background()

	// Goal satisfied by one task, but the deliverable needs two contributors.
	d, err := f.svc.Ingest(ctx, taskWith("t1"), outputWith(1, "solo"))
	require.NoError(t, err)
	require.Equal(t, deliverable.StatusInProgress, d.Status)
}
