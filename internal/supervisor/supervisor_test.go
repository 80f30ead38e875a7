package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/agentpool"
	"taskforge/internal/aggregator"
	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/insight"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	taskerrors "taskforge/internal/errors"
	"taskforge/internal/events"
	"taskforge/internal/executor"
	"taskforge/internal/memory"
	"taskforge/internal/queue"
	recoveryengine "taskforge/internal/recovery"
	"taskforge/internal/store/memstore"
	"taskforge/internal/transform"
)

// scriptedRunner replays canned execution results and records which agent ran
// each call. When block is set, executions park on it until their context is
// cancelled instead of consulting the script.
type scriptedRunner struct {
	mu     sync.Mutex
	agents []string
	script func(call int, t *task.Task, env executor.Environment) (*task.Output, error)
	block  chan string
}

func (r *scriptedRunner) Execute(ctx context.Context, t *task.Task, env executor.Environment) (*task.Output, error) {
	r.mu.Lock()
	call := len(r.agents)
	if env.Agent != nil {
		r.agents = append(r.agents, env.Agent.ID)
	} else {
		r.agents = append(r.agents, "")
	}
	block := r.block
	r.mu.Unlock()
	if block != nil {
		block <- t.ID
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.script(call, t, env)
}

func (r *scriptedRunner) agentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.agents...)
}

type fixture struct {
	sup    *Supervisor
	runner *scriptedRunner

	workspaces *memstore.WorkspaceStore
	tasks      *memstore.TaskStore
	goals      *memstore.GoalRegistry
	agents     *memstore.AgentStore
	insights   *memstore.InsightStore
	recoveries *memstore.RecoveryStore
	queue      *queue.Service

	ws *workspace.Workspace
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	workspaces := memstore.NewWorkspaceStore()
	tasks := memstore.NewTaskStore()
	goals := memstore.NewGoalRegistry()
	agents := memstore.NewAgentStore()
	deliverables := memstore.NewDeliverableStore()
	insights := memstore.NewInsightStore()
	recStore := memstore.NewRecoveryStore()
	bus := events.NewBus()

	q := queue.NewService(tasks, goals, bus, queue.Config{BasePriority: 1}, nil)
	pool := agentpool.NewPool(agents, agentpool.Config{AffinityThreshold: 0.1}, nil)
	tr, err := transform.New(nil, transform.Config{}, nil)
	require.NoError(t, err)
	agg := aggregator.NewService(deliverables, goals, tr, bus, aggregator.Config{MinCompletedTasks: 2}, nil)
	engine := recoveryengine.NewEngine(recStore, workspaces, bus, recoveryengine.EngineConfig{
		MaxAutoAttempts: maxAttempts,
		DelayBase:       time.Second,
		DelayCap:        10 * time.Second,
	}, nil)
	mem := memory.NewService(insights, deliverables, memory.Config{}, nil)

	runner := &scriptedRunner{}
	sup := New(Deps{
		Workspaces: workspaces,
		Tasks:      tasks,
		Goals:      goals,
		Queue:      q,
		Pool:       pool,
		Runner:     runner,
		Aggregator: agg,
		Recovery:   engine,
		Memory:     mem,
		Bus:        bus,
	}, Config{DegradedEnterTicks: 3, DegradedExitTicks: 2}, nil)

	ws := &workspace.Workspace{ID: "ws", Name: "w", Status: workspace.StatusActive}
	require.NoError(t, workspaces.Create(context.Background(), ws))
	require.NoError(t, goals.Create(context.Background(), &goal.Goal{
		ID: "g", WorkspaceID: "ws", Description: "Collect research notes",
		MetricType: goal.MetricCount, TargetValue: 10, Status: goal.StatusActive,
		Priority: goal.PriorityMedium,
	}))

	return &fixture{
		sup: sup, runner: runner,
		workspaces: workspaces, tasks: tasks, goals: goals, agents: agents,
		insights: insights, recoveries: recStore, queue: q,
		ws: ws,
	}
}

func (f *fixture) addAgent(t *testing.T, id string) {
	f.addSpecialist(t, id, "research analyst", []string{"research", "data"}, agent.SenioritySenior)
}

func (f *fixture) addSpecialist(t *testing.T, id, role string, skills []string, seniority agent.Seniority) {
	t.Helper()
	require.NoError(t, f.agents.Create(context.Background(), &agent.Agent{
		ID: id, WorkspaceID: "ws", Name: id, Role: role,
		Seniority: seniority, Skills: skills,
		Status: agent.StatusIdle,
	}))
}

func (f *fixture) enqueue(t *testing.T, name string) *task.Task {
	t.Helper()
	created, err := f.queue.Enqueue(context.Background(), queue.Spec{
		WorkspaceID: "ws", GoalID: "g", Name: name,
		Description: "research the dataset", Contribution: 1,
	})
	require.NoError(t, err)
	return created
}

func (f *fixture) taskStatus(t *testing.T, id string) task.Status {
	t.Helper()
	got, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func TestTickCompletesReadyTask(t *testing.T) {
	f := newFixture(t, 5)
	f.addAgent(t, "a1")
	f.runner.script = func(_ int, tk *task.Task, _ executor.Environment) (*task.Output, error) {
		return &task.Output{Kind: task.OutputStructured, Summary: "done", Contribution: tk.Contribution}, nil
	}
	created := f.enqueue(t, "gather sources")

	f.sup.Tick(context.Background(), f.ws)

	require.Eventually(t, func() bool {
		return f.taskStatus(t, created.ID) == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	g, err := f.goals.Get(context.Background(), "g")
	require.NoError(t, err)
	require.Equal(t, 1.0, g.CurrentValue)

	a, err := f.agents.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, agent.StatusIdle, a.Status)
}

func TestFailureRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t, 5)
	f.addAgent(t, "a1")
	f.runner.script = func(_ int, _ *task.Task, _ executor.Environment) (*task.Output, error) {
		return nil, taskerrors.NewExecutionError(taskerrors.FailureTimeout, nil, "deadline exceeded")
	}
	created := f.enqueue(t, "slow fetch")

	f.sup.Tick(context.Background(), f.ws)

	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(context.Background(), created.ID)
		return err == nil && got.Status == task.StatusReady && got.RecoveryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.tasks.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CooldownUntil)
}

func TestRefusalRotatesToDifferentAgent(t *testing.T) {
	f := newFixture(t, 5)
	f.addAgent(t, "a1")
	f.addAgent(t, "a2")
	f.runner.script = func(call int, tk *task.Task, _ executor.Environment) (*task.Output, error) {
		if call == 0 {
			return nil, taskerrors.NewExecutionError(taskerrors.FailureLLMRefusal, nil, "cannot help with that")
		}
		return &task.Output{Kind: task.OutputStructured, Summary: "done", Contribution: tk.Contribution}, nil
	}
	created := f.enqueue(t, "summarize findings")

	ctx := context.Background()
	f.sup.Tick(ctx, f.ws)
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(ctx, created.ID)
		return err == nil && got.Status == task.StatusReady && got.RecoveryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.sup.Tick(ctx, f.ws)
	require.Eventually(t, func() bool {
		return f.taskStatus(t, created.ID) == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	ids := f.runner.agentIDs()
	require.Len(t, ids, 2)
	require.NotEqual(t, ids[0], ids[1], "refused task must run on a different agent")
}

func TestExhaustedBudgetCompletesDegraded(t *testing.T) {
	f := newFixture(t, 1)
	f.addAgent(t, "a1")
	f.runner.script = func(_ int, _ *task.Task, _ executor.Environment) (*task.Output, error) {
		return nil, taskerrors.NewExecutionError(taskerrors.FailureParseError, nil, "still failing")
	}
	created := f.enqueue(t, "impossible fetch")
	ctx := context.Background()

	// The single budgeted retry runs first; the failure after it skips.
	require.Eventually(t, func() bool {
		f.sup.Tick(ctx, f.ws)
		return f.taskStatus(t, created.ID) == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.QualityDegraded, got.QualityFlag)
	require.Equal(t, 2, got.RecoveryCount)

	// Partial credit only.
	g, err := f.goals.Get(ctx, "g")
	require.NoError(t, err)
	require.InDelta(t, 0.8, g.CurrentValue, 1e-9)

	// The skip leaves a lesson behind.
	lessons, err := f.insights.ListByWorkspace(ctx, "ws")
	require.NoError(t, err)
	found := false
	for _, in := range lessons {
		if in.Kind == insight.KindFailureLesson {
			found = true
		}
	}
	require.True(t, found, "skip must record a failure lesson")
}

func TestParseErrorRotatesAgentAfterTwoSameAgentFailures(t *testing.T) {
	f := newFixture(t, 5)
	f.addSpecialist(t, "a1", "research analyst", []string{"research", "data"}, agent.SeniorityExpert)
	f.addSpecialist(t, "a2", "research analyst", []string{"research", "data"}, agent.SeniorityJunior)
	f.runner.script = func(call int, tk *task.Task, _ executor.Environment) (*task.Output, error) {
		if call < 2 {
			return nil, taskerrors.NewExecutionError(taskerrors.FailureParseError, nil, "output is not valid JSON")
		}
		return &task.Output{Kind: task.OutputStructured, Summary: "done", Contribution: tk.Contribution}, nil
	}
	created := f.enqueue(t, "summarize findings")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		f.sup.Tick(ctx, f.ws)
		return f.taskStatus(t, created.ID) == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// One parse slip keeps the best-matching agent; two in a row rotate.
	require.Equal(t, []string{"a1", "a1", "a2"}, f.runner.agentIDs())
}

func TestAlternativeApproachKeepsTaskWithinBudget(t *testing.T) {
	f := newFixture(t, 2)
	f.addSpecialist(t, "a1", "research analyst", []string{"research", "data"}, agent.SeniorityExpert)
	f.addSpecialist(t, "a2", "research analyst", []string{"research", "data"}, agent.SeniorityJunior)
	f.runner.script = func(_ int, _ *task.Task, _ executor.Environment) (*task.Output, error) {
		return nil, &taskerrors.ExecutionError{Kind: taskerrors.FailureToolFailure, Message: "tool rejected the request"}
	}
	created := f.enqueue(t, "qualify leads")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		f.sup.Tick(ctx, f.ws)
		return f.taskStatus(t, created.ID) == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// The reformulated retries run on the original row, so the recovery
	// budget keeps counting and no replacement task appears.
	all, err := f.tasks.ListByWorkspace(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, created.ID, all[0].ID)
	require.Equal(t, 3, all[0].RecoveryCount)
	require.Equal(t, task.QualityDegraded, all[0].QualityFlag)
}

func TestPauseResumeLeavesQueuedTasksUntouched(t *testing.T) {
	f := newFixture(t, 5)
	f.addAgent(t, "a1")
	f.addAgent(t, "a2")
	f.runner.script = func(_ int, tk *task.Task, _ executor.Environment) (*task.Output, error) {
		return &task.Output{Kind: task.OutputStructured, Summary: "done", Contribution: tk.Contribution}, nil
	}
	first := f.enqueue(t, "gather sources")
	second := f.enqueue(t, "qualify leads")
	ctx := context.Background()

	require.NoError(t, f.sup.PauseWorkspace(ctx, "ws"))
	require.NoError(t, f.sup.TickNow(ctx, "ws"))

	require.Empty(t, f.runner.agentIDs(), "paused workspace must not dispatch")
	require.Equal(t, task.StatusReady, f.taskStatus(t, first.ID))
	require.Equal(t, task.StatusReady, f.taskStatus(t, second.ID))
	g, err := f.goals.Get(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, goal.StatusPaused, g.Status)

	require.NoError(t, f.sup.StartWorkspace(ctx, "ws"))
	g, err = f.goals.Get(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, goal.StatusActive, g.Status)

	require.Eventually(t, func() bool {
		_ = f.sup.TickNow(ctx, "ws")
		return f.taskStatus(t, first.ID) == task.StatusCompleted &&
			f.taskStatus(t, second.ID) == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPauseCancelsInFlightExecution(t *testing.T) {
	f := newFixture(t, 5)
	f.addAgent(t, "a1")
	f.runner.block = make(chan string, 1)
	created := f.enqueue(t, "slow research")
	ctx := context.Background()

	f.sup.Tick(ctx, f.ws)
	select {
	case <-f.runner.block:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never started")
	}

	require.NoError(t, f.sup.PauseWorkspace(ctx, "ws"))

	// The cancelled run goes back to ready with no failure bookkeeping.
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(ctx, created.ID)
		return err == nil && got.Status == task.StatusReady && got.RecoveryCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	attempts, err := f.recoveries.ListAttemptsByTask(ctx, created.ID)
	require.NoError(t, err)
	require.Empty(t, attempts)

	require.Eventually(t, func() bool {
		a, err := f.agents.Get(ctx, "a1")
		return err == nil && a.Status == agent.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoMatchingAgentParksTask(t *testing.T) {
	f := newFixture(t, 5)
	f.addSpecialist(t, "editor", "video editor", []string{"video editing", "motion graphics"}, agent.SenioritySenior)
	created := f.enqueue(t, "collect research notes")
	ctx := context.Background()

	f.sup.Tick(ctx, f.ws)

	got, err := f.tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusReady, got.Status)
	require.NotNil(t, got.CooldownUntil, "starved task must cool down instead of spinning")
	require.Equal(t, 0, got.RecoveryCount)
	require.Empty(t, f.runner.agentIDs())

	recorded, err := f.insights.ListByWorkspace(ctx, "ws")
	require.NoError(t, err)
	found := false
	for _, in := range recorded {
		for _, tag := range in.Tags {
			if tag == "agent_starvation" {
				found = true
			}
		}
	}
	require.True(t, found, "starvation must be recorded")
}

func TestDegradedModeEntersAndExits(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.sup.noteRecovery("ws")
		f.sup.Tick(ctx, f.ws)
	}
	got, err := f.workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, workspace.StatusDegradedMode, got.Status)

	for i := 0; i < 2; i++ {
		f.sup.noteCompletion("ws")
		f.sup.Tick(ctx, f.ws)
	}
	got, err = f.workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, workspace.StatusActive, got.Status)
}

func TestGoalValidationCompletesWorkspace(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.goals.Advance(ctx, "g", 10)
	require.NoError(t, err)

	f.sup.validateGoals(ctx)

	g, err := f.goals.Get(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, goal.StatusCompleted, g.Status)

	got, err := f.workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, workspace.StatusCompleted, got.Status)
}
