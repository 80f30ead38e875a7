package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	recdomain "taskforge/internal/domain/recovery"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	taskerrors "taskforge/internal/errors"
	"taskforge/internal/events"
	"taskforge/internal/store/memstore"
)

func newEngine(t *testing.T) (*Engine, *memstore.RecoveryStore, *memstore.WorkspaceStore) {
	t.Helper()
	recStore := memstore.NewRecoveryStore()
	wsStore := memstore.NewWorkspaceStore()
	require.NoError(t, wsStore.Create(context.Background(), &workspace.Workspace{
		ID: "ws", Name: "w", Status: workspace.StatusActive,
	}))
	eng := NewEngine(recStore, wsStore, events.NewBus(), EngineConfig{
		MaxAutoAttempts:     5,
		DelayBase:           time.Second,
		DelayCap:            10 * time.Second,
		ConfidenceThreshold: 0.7,
		PatternDecomposeMin: 3,
	}, nil)
	return eng, recStore, wsStore
}

func failedTask(recoveries int) *task.Task {
	return &task.Task{
		ID: "t1", WorkspaceID: "ws", GoalID: "g", Name: "fetch data",
		Description: "pull the dataset", Contribution: 2,
		RecoveryCount: recoveries, LastAgentID: "agent-1",
	}
}

func TestTimeoutRetriesWithDelay(t *testing.T) {
	eng, _, _ := newEngine(t)

	execErr := taskerrors.NewExecutionError(taskerrors.FailureTimeout, nil, "deadline exceeded")
	d, err := eng.Decide(context.Background(), failedTask(1), execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyRetryWithDelay, d.Strategy)
	require.Greater(t, d.Delay, time.Duration(0))
}

func TestRefusalSwitchesAgent(t *testing.T) {
	eng, _, _ := newEngine(t)

	execErr := taskerrors.NewExecutionError(taskerrors.FailureLLMRefusal, nil, "refused")
	d, err := eng.Decide(context.Background(), failedTask(1), execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyRetryDifferentAgent, d.Strategy)
	require.Equal(t, "agent-1", d.ExcludeAgentID)
}

func TestContextOverflowReconstructs(t *testing.T) {
	eng, _, _ := newEngine(t)

	execErr := taskerrors.NewExecutionError(taskerrors.FailureContextOverflow, nil, "prompt too large")
	d, err := eng.Decide(context.Background(), failedTask(1), execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyContextReconstruction, d.Strategy)
}

func TestUnknownFallsBackBelowConfidence(t *testing.T) {
	eng, _, _ := newEngine(t)

	execErr := taskerrors.NewExecutionError(taskerrors.FailureUnknown, nil, "mystery")
	d, err := eng.Decide(context.Background(), failedTask(1), execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyRetryWithDelay, d.Strategy)
	require.Contains(t, d.Reasoning, "below threshold")
}

func TestParseErrorSwitchesAgent(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	execErr := taskerrors.NewExecutionError(taskerrors.FailureParseError, nil, "output is not valid JSON")
	d, err := eng.Decide(ctx, failedTask(1), execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyRetryDifferentAgent, d.Strategy)
	// One slip does not forfeit the best-matching agent.
	require.Empty(t, d.ExcludeAgentID)

	repeat := failedTask(2)
	repeat.SameAgentFailures = 2
	d, err = eng.Decide(ctx, repeat, execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyRetryDifferentAgent, d.Strategy)
	require.Equal(t, "agent-1", d.ExcludeAgentID)
}

func TestSameAgentStreakRotates(t *testing.T) {
	eng, _, _ := newEngine(t)

	execErr := &taskerrors.ExecutionError{
		Kind:    taskerrors.FailureToolFailure,
		Message: "tool rejected the request schema",
	}
	streaky := failedTask(2)
	streaky.SameAgentFailures = 2
	d, err := eng.Decide(context.Background(), streaky, execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategyRetryDifferentAgent, d.Strategy)
	require.Equal(t, "agent-1", d.ExcludeAgentID)
}

func TestRepeatedPatternDecomposes(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	execErr := &taskerrors.ExecutionError{
		Kind:    taskerrors.FailureToolFailure,
		Message: "tool rejected the request schema",
	}
	var last *recdomain.Decision
	for i := 1; i <= 3; i++ {
		var err error
		last, err = eng.Decide(ctx, failedTask(i), execErr)
		require.NoError(t, err)
	}
	require.Equal(t, recdomain.StrategyDecompose, last.Strategy)
	require.Len(t, last.Subtasks, 2)
	require.InDelta(t, 2.0, last.Subtasks[0].Contribution+last.Subtasks[1].Contribution, 1e-9)
}

func TestTransientRetryOutranksPattern(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	execErr := taskerrors.NewExecutionError(taskerrors.FailureTimeout, nil, "fetch chunk 12 timed out")
	for i := 1; i <= 4; i++ {
		d, err := eng.Decide(ctx, failedTask(i), execErr)
		require.NoError(t, err)
		require.Equal(t, recdomain.StrategyRetryWithDelay, d.Strategy,
			"attempt %d should keep retrying a transient timeout", i)
	}
}

func TestBudgetExhaustionSkips(t *testing.T) {
	eng, recStore, _ := newEngine(t)
	ctx := context.Background()

	execErr := taskerrors.NewExecutionError(taskerrors.FailureTimeout, nil, "still timing out")
	d, err := eng.Decide(ctx, failedTask(6), execErr)
	require.NoError(t, err)
	require.Equal(t, recdomain.StrategySkipWithFallback, d.Strategy)
	require.True(t, d.Explanation.UserActionRequired)
	require.Equal(t, recdomain.SeverityHigh, d.Explanation.Severity)

	explanations, err := recStore.ListExplanations(ctx, "ws", true)
	require.NoError(t, err)
	require.Len(t, explanations, 1)
}

func TestExactRetryBudgetBeforeSkip(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	execErr := taskerrors.NewExecutionError(taskerrors.FailureTimeout, nil, "still timing out")
	retries, skips := 0, 0
	for failure := 1; failure <= 8; failure++ {
		d, err := eng.Decide(ctx, failedTask(failure), execErr)
		require.NoError(t, err)
		switch d.Strategy {
		case recdomain.StrategySkipWithFallback:
			skips++
		default:
			require.Zero(t, skips, "no retry may follow a skip")
			retries++
		}
	}
	require.Equal(t, 5, retries)
	require.Equal(t, 3, skips)
}

func TestDecideRecordsAuditTrail(t *testing.T) {
	eng, recStore, wsStore := newEngine(t)
	ctx := context.Background()

	execErr := taskerrors.NewExecutionError(taskerrors.FailureTimeout, nil, "deadline exceeded")
	d, err := eng.Decide(ctx, failedTask(1), execErr)
	require.NoError(t, err)

	attempts, err := recStore.ListAttemptsByTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Nil(t, attempts[0].Success)

	require.NoError(t, eng.Conclude(ctx, d.Attempt, true))
	attempts, _ = recStore.ListAttemptsByTask(ctx, "t1")
	require.NotNil(t, attempts[0].Success)
	require.True(t, *attempts[0].Success)

	ws, err := wsStore.Get(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, 1, ws.SuccessfulRecoveries)
	require.Equal(t, 2, ws.TotalRecoveryAttempts)
}
