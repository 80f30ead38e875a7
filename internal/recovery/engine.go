package recovery

import (
	"context"
	"fmt"
	"time"

	recdomain "taskforge/internal/domain/recovery"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	taskerrors "taskforge/internal/errors"
	"taskforge/internal/events"
	"taskforge/internal/ids"
	"taskforge/internal/logging"
)

// EngineConfig bounds the recovery engine.
type EngineConfig struct {
	MaxAutoAttempts     int
	DelayBase           time.Duration
	DelayCap            time.Duration
	ConfidenceThreshold float64
	PatternDecomposeMin int
	SkipContribution    float64
}

// Engine decides how to recover a failed task and records the audit trail.
type Engine struct {
	store      recdomain.Store
	workspaces workspace.Store
	bus        *events.Bus
	cfg        EngineConfig
	logger     logging.Logger

	now func() time.Time
}

// NewEngine builds the recovery engine.
func NewEngine(store recdomain.Store, workspaces workspace.Store, bus *events.Bus, cfg EngineConfig, logger logging.Logger) *Engine {
	if cfg.MaxAutoAttempts <= 0 {
		cfg.MaxAutoAttempts = 5
	}
	if cfg.DelayBase <= 0 {
		cfg.DelayBase = 30 * time.Second
	}
	if cfg.DelayCap <= 0 {
		cfg.DelayCap = 600 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.PatternDecomposeMin <= 0 {
		cfg.PatternDecomposeMin = 3
	}
	if cfg.SkipContribution <= 0 {
		cfg.SkipContribution = 0.8
	}
	return &Engine{
		store:      store,
		workspaces: workspaces,
		bus:        bus,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// Decide classifies the failure, picks a strategy, and persists the attempt
// and its human-readable explanation. The caller applies the decision.
func (e *Engine) Decide(ctx context.Context, t *task.Task, execErr *taskerrors.ExecutionError) (*recdomain.Decision, error) {
	if execErr == nil {
		return nil, fmt.Errorf("recovery: nil execution error")
	}

	attemptNumber := t.RecoveryCount
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	pattern, err := e.store.UpsertPattern(ctx, &recdomain.Pattern{
		Signature:     taskerrors.PatternSignature(execErr.Kind, execErr.Message),
		WorkspaceID:   t.WorkspaceID,
		Kind:          execErr.Kind,
		SampleMessage: taskerrors.NormalizeMessage(execErr.Message),
	})
	if err != nil {
		e.logger.Warn("upsert failure pattern for task %s: %v", t.ID, err)
		pattern = &recdomain.Pattern{OccurrenceCount: 1}
	}

	decision := e.selectStrategy(t, execErr, attemptNumber, pattern)

	// Low-confidence picks fall back to the safest strategy rather than
	// gambling on a wrong guess.
	if decision.Confidence < e.cfg.ConfidenceThreshold && decision.Strategy != recdomain.StrategySkipWithFallback {
		decision.Reasoning = fmt.Sprintf(
			"confidence %.2f below threshold %.2f, falling back to delayed retry (was %s)",
			decision.Confidence, e.cfg.ConfidenceThreshold, decision.Strategy)
		decision.Strategy = recdomain.StrategyRetryWithDelay
		decision.Delay = e.backoff(attemptNumber)
		decision.ExcludeAgentID = ""
		decision.Subtasks = nil
	}

	attempt := &recdomain.Attempt{
		ID:            ids.New(),
		TaskID:        t.ID,
		WorkspaceID:   t.WorkspaceID,
		Strategy:      decision.Strategy,
		AttemptNumber: attemptNumber,
		Confidence:    decision.Confidence,
		Reasoning:     decision.Reasoning,
		StartedAt:     e.now().UTC(),
		TraceID:       ids.TraceID(ctx),
	}
	if err := e.store.RecordAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record recovery attempt: %w", err)
	}
	decision.Attempt = attempt

	explanation := e.explain(t, execErr, decision, attemptNumber, pattern)
	if err := e.store.RecordExplanation(ctx, explanation); err != nil {
		e.logger.Warn("record recovery explanation for task %s: %v", t.ID, err)
	}
	decision.Explanation = explanation

	if err := e.workspaces.RecordRecovery(ctx, t.WorkspaceID, false); err != nil {
		e.logger.Warn("record workspace recovery counters: %v", err)
	}

	if e.bus != nil {
		_ = e.bus.Publish(&events.Event{
			Type:        events.RecoveryAttempted,
			WorkspaceID: t.WorkspaceID,
			EntityID:    t.ID,
			TraceID:     attempt.TraceID,
			Payload: map[string]any{
				"strategy":       string(decision.Strategy),
				"attempt_number": attemptNumber,
				"failure_kind":   string(execErr.Kind),
			},
		})
	}
	return decision, nil
}

// Conclude closes the attempt's audit record with its outcome.
func (e *Engine) Conclude(ctx context.Context, attempt *recdomain.Attempt, success bool) error {
	if attempt == nil {
		return nil
	}
	if err := e.store.CloseAttempt(ctx, attempt.ID, success, e.now().UTC()); err != nil {
		return err
	}
	if success {
		return e.workspaces.RecordRecovery(ctx, attempt.WorkspaceID, true)
	}
	return nil
}

// selectStrategy walks the strategy rules in fixed precedence: budget, then
// transient infrastructure retries, then context rebuilds, then agent
// rotation, then pattern-driven decomposition, then reformulation.
func (e *Engine) selectStrategy(t *task.Task, execErr *taskerrors.ExecutionError, attemptNumber int, pattern *recdomain.Pattern) *recdomain.Decision {
	// The attempt budget is hard: the full allowance of retries runs first,
	// and the failure after the last one skips with a degraded fallback
	// rather than looping forever.
	if attemptNumber > e.cfg.MaxAutoAttempts {
		return &recdomain.Decision{
			Strategy:   recdomain.StrategySkipWithFallback,
			Confidence: 1,
			Reasoning: fmt.Sprintf("auto recovery budget of %d attempts exhausted; skipping with partial credit",
				e.cfg.MaxAutoAttempts),
		}
	}

	// Transient infrastructure trouble clears on its own; wait it out.
	if execErr.Transient {
		switch execErr.Kind {
		case taskerrors.FailureTimeout:
			return &recdomain.Decision{
				Strategy:   recdomain.StrategyRetryWithDelay,
				Confidence: 0.9,
				Delay:      e.backoff(attemptNumber),
				Reasoning:  "execution timed out; retrying after backoff",
			}
		case taskerrors.FailureQuotaExceeded:
			return &recdomain.Decision{
				Strategy:   recdomain.StrategyRetryWithDelay,
				Confidence: 0.9,
				Delay:      e.backoff(attemptNumber + 1),
				Reasoning:  "provider quota exhausted; retrying after an extended backoff",
			}
		case taskerrors.FailureToolFailure:
			return &recdomain.Decision{
				Strategy:   recdomain.StrategyRetryWithDelay,
				Confidence: 0.8,
				Delay:      e.backoff(attemptNumber),
				Reasoning:  "tool failed transiently; retrying after backoff",
			}
		}
	}

	if execErr.Kind == taskerrors.FailureContextOverflow {
		return &recdomain.Decision{
			Strategy:   recdomain.StrategyContextReconstruction,
			Confidence: 0.85,
			Reasoning:  "prompt exceeded the context budget; rebuilding a leaner context",
		}
	}

	// Output-shape failures and back-to-back failures under one agent point
	// at the agent rather than the task, so the rotation moves on. The just
	// failed agent is only excluded once it has failed twice in a row; a
	// single slip does not forfeit the best-matching agent.
	if execErr.Kind == taskerrors.FailureParseError ||
		execErr.Kind == taskerrors.FailureLLMRefusal ||
		t.SameAgentFailures >= 2 {
		reason := "two consecutive failures under the same agent; rotating to a different persona"
		switch execErr.Kind {
		case taskerrors.FailureParseError:
			reason = "output could not be parsed; handing the task to a different agent persona"
		case taskerrors.FailureLLMRefusal:
			reason = "model refused the request; handing the task to a different agent persona"
		}
		d := &recdomain.Decision{
			Strategy:   recdomain.StrategyRetryDifferentAgent,
			Confidence: 0.75,
			Reasoning:  reason,
		}
		if execErr.Kind == taskerrors.FailureLLMRefusal || t.SameAgentFailures >= 2 {
			d.ExcludeAgentID = t.LastAgentID
		}
		return d
	}

	// A signature seen repeatedly means the same shape of work keeps dying;
	// split it up instead of retrying it whole.
	if pattern.OccurrenceCount >= e.cfg.PatternDecomposeMin {
		return &recdomain.Decision{
			Strategy:   recdomain.StrategyDecompose,
			Confidence: 0.8,
			Reasoning: fmt.Sprintf("failure pattern seen %d times; decomposing the task into smaller pieces",
				pattern.OccurrenceCount),
			Subtasks: decompose(t),
		}
	}

	if execErr.Kind == taskerrors.FailureUnknown {
		return &recdomain.Decision{
			Strategy:   recdomain.StrategyAlternativeApproach,
			Confidence: 0.5,
			Reasoning:  "unrecognized failure; reformulating the task",
		}
	}
	return &recdomain.Decision{
		Strategy:   recdomain.StrategyAlternativeApproach,
		Confidence: 0.75,
		Reasoning:  "no retryable cause identified; reworking the task with a different approach",
	}
}

func (e *Engine) backoff(attemptNumber int) time.Duration {
	return taskerrors.Backoff(attemptNumber-1, taskerrors.RetryConfig{
		BaseDelay:    e.cfg.DelayBase,
		MaxDelay:     e.cfg.DelayCap,
		JitterFactor: 0.2,
	})
}

// decompose splits a task into two narrower halves. Without a model assist
// this is a mechanical split; the executor's prompt carries the original
// description so each half stays grounded.
func decompose(t *task.Task) []recdomain.SubtaskSpec {
	half := t.Contribution / 2
	return []recdomain.SubtaskSpec{
		{
			Name:         t.Name + " (part 1)",
			Description:  "First half of: " + t.Description + "\nFocus on the initial portion of the work only.",
			Contribution: half,
		},
		{
			Name:         t.Name + " (part 2)",
			Description:  "Second half of: " + t.Description + "\nFocus on completing what part 1 leaves off.",
			Contribution: t.Contribution - half,
		},
	}
}

func (e *Engine) explain(t *task.Task, execErr *taskerrors.ExecutionError, decision *recdomain.Decision, attemptNumber int, pattern *recdomain.Pattern) *recdomain.Explanation {
	severity := recdomain.SeverityLow
	userAction := false
	switch {
	case decision.Strategy == recdomain.StrategySkipWithFallback:
		severity = recdomain.SeverityHigh
		userAction = true
	case attemptNumber >= e.cfg.MaxAutoAttempts:
		severity = recdomain.SeverityMedium
	case pattern.OccurrenceCount >= e.cfg.PatternDecomposeMin:
		severity = recdomain.SeverityMedium
	}

	return &recdomain.Explanation{
		ID:          ids.New(),
		AttemptID:   decision.Attempt.ID,
		WorkspaceID: t.WorkspaceID,
		TaskID:      t.ID,
		Summary: fmt.Sprintf("Task %q failed (%s) on attempt %d; chose %s.",
			t.Name, execErr.Kind, attemptNumber, decision.Strategy),
		RootCause:          execErr.Message,
		Decision:           decision.Reasoning,
		UserActionRequired: userAction,
		Severity:           severity,
		CreatedAt:          e.now().UTC(),
		TraceID:            decision.Attempt.TraceID,
	}
}
