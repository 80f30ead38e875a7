package agentpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/task"
	"taskforge/internal/store/memstore"
)

func seedAgent(t *testing.T, s *memstore.AgentStore, id, role string, skills []string, seniority agent.Seniority) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &agent.Agent{
		ID: id, WorkspaceID: "ws", Name: id, Role: role,
		Skills: skills, Seniority: seniority, Status: agent.StatusIdle,
	}))
}

func TestMatchPrefersSkillOverlap(t *testing.T) {
	agents := memstore.NewAgentStore()
	seedAgent(t, agents, "researcher", "research analyst", []string{"market research", "data analysis"}, agent.SenioritySenior)
	seedAgent(t, agents, "writer", "copy writer", []string{"email drafting", "copywriting"}, agent.SenioritySenior)

	pool := NewPool(agents, Config{AffinityThreshold: 0.1}, nil)

	tk := &task.Task{ID: "t", WorkspaceID: "ws", Name: "market research report", Description: "analyze research data for the market segment"}
	matched, err := pool.Match(context.Background(), tk, "")
	require.NoError(t, err)
	require.Equal(t, "researcher", matched.ID)
}

func TestMatchRejectsBelowThreshold(t *testing.T) {
	agents := memstore.NewAgentStore()
	seedAgent(t, agents, "editor", "video editor", []string{"video editing", "motion graphics"}, agent.SenioritySenior)

	pool := NewPool(agents, Config{AffinityThreshold: 0.3}, nil)

	// An idle but mismatched agent must not receive the task.
	tk := &task.Task{ID: "t", WorkspaceID: "ws", Name: "qualify B2B leads", Description: "score and qualify the inbound lead list"}
	_, err := pool.Match(context.Background(), tk, "")
	require.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestMatchExcludesAgent(t *testing.T) {
	agents := memstore.NewAgentStore()
	seedAgent(t, agents, "a1", "analyst", []string{"analysis"}, agent.SenioritySenior)
	seedAgent(t, agents, "a2", "analyst", []string{"analysis"}, agent.SeniorityJunior)

	pool := NewPool(agents, Config{AffinityThreshold: 0.1}, nil)

	tk := &task.Task{ID: "t", WorkspaceID: "ws", Name: "analysis task", Description: "analyst work"}
	matched, err := pool.Match(context.Background(), tk, "a1")
	require.NoError(t, err)
	require.Equal(t, "a2", matched.ID)
}

func TestMatchTieBreaksBySeniority(t *testing.T) {
	agents := memstore.NewAgentStore()
	seedAgent(t, agents, "junior", "analyst", []string{"analysis"}, agent.SeniorityJunior)
	seedAgent(t, agents, "expert", "analyst", []string{"analysis"}, agent.SeniorityExpert)

	pool := NewPool(agents, Config{AffinityThreshold: 0.1}, nil)

	tk := &task.Task{ID: "t", WorkspaceID: "ws", Name: "analysis", Description: "analyst"}
	matched, err := pool.Match(context.Background(), tk, "")
	require.NoError(t, err)
	require.Equal(t, "expert", matched.ID)
}

func TestNoAgentAvailable(t *testing.T) {
	agents := memstore.NewAgentStore()
	seedAgent(t, agents, "busy", "analyst", nil, agent.SeniorityJunior)
	require.NoError(t, agents.MarkExecuting(context.Background(), "busy", "other-task"))

	pool := NewPool(agents, Config{}, nil)
	tk := &task.Task{ID: "t", WorkspaceID: "ws", Name: "work", Description: ""}
	_, err := pool.Match(context.Background(), tk, "")
	require.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestRestAppliesCooldown(t *testing.T) {
	agents := memstore.NewAgentStore()
	seedAgent(t, agents, "tired", "analyst", nil, agent.SeniorityJunior)

	pool := NewPool(agents, Config{StarvationCooldown: time.Hour}, nil)
	require.NoError(t, pool.Rest(context.Background(), "tired"))

	got, err := agents.Get(context.Background(), "tired")
	require.NoError(t, err)
	require.Equal(t, agent.StatusCoolingDown, got.Status)
	require.NotNil(t, got.CooldownUntil)
	require.False(t, got.Available(time.Now()))
}
