package proposal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/events"
	"taskforge/internal/llm"
	"taskforge/internal/queue"
	"taskforge/internal/store/memstore"
)

type fixture struct {
	svc        *Service
	workspaces *memstore.WorkspaceStore
	goals      *memstore.GoalRegistry
	agents     *memstore.AgentStore
	tasks      *memstore.TaskStore
}

func newFixture(t *testing.T, completer Completer) *fixture {
	t.Helper()
	workspaces := memstore.NewWorkspaceStore()
	goals := memstore.NewGoalRegistry()
	agents := memstore.NewAgentStore()
	tasks := memstore.NewTaskStore()
	bus := events.NewBus()
	q := queue.NewService(tasks, goals, bus, queue.Config{}, nil)
	svc := NewService(workspaces, goals, agents, q, completer, bus, Config{}, nil)

	require.NoError(t, workspaces.Create(context.Background(), &workspace.Workspace{
		ID: "ws", Name: "w", GoalText: "Research 50 leads and write a summary report",
		Status: workspace.StatusCreated,
	}))
	return &fixture{svc: svc, workspaces: workspaces, goals: goals, agents: agents, tasks: tasks}
}

func TestProposeDecomposesNumericGoal(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.svc.Propose(context.Background(), "ws", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.NotEmpty(t, p.Goals)

	require.Equal(t, goal.MetricCount, p.Goals[0].MetricType)
	require.Equal(t, 50.0, p.Goals[0].TargetValue)

	require.GreaterOrEqual(t, len(p.Team), 2)
	require.Equal(t, agent.SeniorityExpert, p.Team[0].Seniority)
	require.Greater(t, p.EstimatedCost, 0.0)
}

func TestProposeRejectsTerminalWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.workspaces.SetStatus(ctx, "ws", workspace.StatusCreated, workspace.StatusArchived))

	_, err := f.svc.Propose(ctx, "ws", "", "")
	require.ErrorIs(t, err, ErrWorkspaceInactive)
}

func TestApprovePersistsTeamAndSeedsTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, "ws", "", "")
	require.NoError(t, err)

	approval, err := f.svc.Approve(ctx, "ws", p.ID, "prefer recent sources")
	require.NoError(t, err)
	require.Len(t, approval.GoalIDs, len(p.Goals))
	require.Len(t, approval.AgentIDs, len(p.Team))
	require.Equal(t, len(p.Goals)*3, approval.SeededTasks)
	require.Greater(t, approval.EstimatedCompletionSeconds, int64(0))

	ws, err := f.workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, workspace.StatusActive, ws.Status)

	ready, err := f.tasks.ListByWorkspace(ctx, "ws", task.StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, approval.SeededTasks)

	// An approved proposal cannot be replayed.
	_, err = f.svc.Approve(ctx, "ws", p.ID, "")
	require.ErrorIs(t, err, ErrProposalNotFound)
}

func TestProposeSplitsHyphenatedCounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.svc.Propose(ctx, "ws", "Generate 100 B2B leads and a 3-email outreach sequence", "")
	require.NoError(t, err)
	require.Len(t, p.Goals, 2)

	targets := []float64{p.Goals[0].TargetValue, p.Goals[1].TargetValue}
	require.ElementsMatch(t, []float64{100, 3}, targets)

	approval, err := f.svc.Approve(ctx, "ws", p.ID, "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, approval.SeededTasks, 5)
}

func TestApproveUnknownProposal(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Approve(context.Background(), "ws", "nope", "")
	require.ErrorIs(t, err, ErrProposalNotFound)
}

func TestProposeUsesModelAssistWhenParsable(t *testing.T) {
	scripted := llm.NewScriptedProvider(&llm.Response{
		Content: "```json\n" + `{"goals":[{"description":"Qualify 25 enterprise leads","metric_type":"count","target_value":25,"priority":"high"}],
"team":[{"name":"Ada","role":"sales specialist","seniority":"expert","skills":["outreach"]}]}` + "\n```",
	})
	f := newFixture(t, llm.NewRateLimitedProvider(scripted, 100, 10))

	p, err := f.svc.Propose(context.Background(), "ws", "", "")
	require.NoError(t, err)
	require.Len(t, p.Goals, 1)
	require.Equal(t, "Qualify 25 enterprise leads", p.Goals[0].Description)
	require.Equal(t, goal.PriorityHigh, p.Goals[0].Priority)
	require.Len(t, p.Team, 1)
	require.Equal(t, "Ada", p.Team[0].Name)
	require.Equal(t, 1, scripted.Calls())
}

func TestProposeFallsBackWhenAssistFails(t *testing.T) {
	scripted := llm.NewScriptedProvider(&llm.Response{Content: "I would rather describe it in prose."})
	f := newFixture(t, llm.NewRateLimitedProvider(scripted, 100, 10))

	p, err := f.svc.Propose(context.Background(), "ws", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, p.Goals, "heuristic decomposition must back the failed assist")
}
