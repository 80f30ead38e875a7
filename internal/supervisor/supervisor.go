// Package supervisor drives workspaces autonomously: it ticks each active
// workspace, dispatches ready tasks to agents under concurrency caps, applies
// recovery decisions, and manages degraded mode.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"taskforge/internal/agentpool"
	"taskforge/internal/aggregator"
	"taskforge/internal/async"
	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/insight"
	"taskforge/internal/domain/recovery"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	taskerrors "taskforge/internal/errors"
	"taskforge/internal/events"
	"taskforge/internal/executor"
	"taskforge/internal/logging"
	"taskforge/internal/memory"
	"taskforge/internal/observability"
	"taskforge/internal/queue"
	recoveryengine "taskforge/internal/recovery"
	"taskforge/internal/store"
)

// Runner executes one task in its environment. The executor satisfies it;
// tests substitute a scripted runner.
type Runner interface {
	Execute(ctx context.Context, t *task.Task, env executor.Environment) (*task.Output, error)
}

// Config bounds the supervision loop.
type Config struct {
	TickInterval time.Duration

	// GlobalParallelism caps concurrent executions across all workspaces.
	GlobalParallelism int64

	// ActiveParallelism and DegradedParallelism are the per-workspace caps in
	// their respective modes.
	ActiveParallelism   int
	DegradedParallelism int

	// DegradedEnterTicks is how many consecutive ticks with recoveries but no
	// completions push a workspace into degraded mode; DegradedExitTicks is
	// how many ticks with completions bring it back.
	DegradedEnterTicks int
	DegradedExitTicks  int

	// SkipContribution is the fraction of a skipped task's contribution still
	// credited to its goal.
	SkipContribution float64

	InsightRecall int
	RecentOutputs int

	ShutdownGrace time.Duration

	// GoalValidationSpec and FailedSweepSpec are cron expressions for the two
	// background jobs.
	GoalValidationSpec string
	FailedSweepSpec    string
	SweepRetryDelay    time.Duration

	// StarvationCooldown parks a ready task when no agent is available.
	StarvationCooldown time.Duration
}

// Deps are the collaborating services the supervisor orchestrates.
type Deps struct {
	Workspaces workspace.Store
	Tasks      task.Store
	Goals      goal.Registry
	Queue      *queue.Service
	Pool       *agentpool.Pool
	Runner     Runner
	Aggregator *aggregator.Service
	Recovery   *recoveryengine.Engine
	Memory     *memory.Service
	Bus        *events.Bus
	Metrics    *observability.MetricsCollector
}

// wsState is per-workspace bookkeeping between ticks.
type wsState struct {
	inflight      int
	completions   int
	recoveries    int
	zeroStreak    int
	successStreak int

	paused  bool
	cancels map[string]context.CancelFunc // task id -> in-flight job cancel
}

// Supervisor runs the autonomous loop.
type Supervisor struct {
	workspaces workspace.Store
	tasks      task.Store
	goals      goal.Registry
	queue      *queue.Service
	pool       *agentpool.Pool
	runner     Runner
	aggregator *aggregator.Service
	engine     *recoveryengine.Engine
	memory     *memory.Service
	bus        *events.Bus
	metrics    *observability.MetricsCollector

	cfg    Config
	logger logging.Logger

	sem  *semaphore.Weighted
	cron *cron.Cron
	wg   sync.WaitGroup

	mu       sync.Mutex
	state    map[string]*wsState
	attempts map[string]*recovery.Attempt
}

// New builds a supervisor.
func New(deps Deps, cfg Config, logger logging.Logger) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.GlobalParallelism <= 0 {
		cfg.GlobalParallelism = 32
	}
	if cfg.ActiveParallelism <= 0 {
		cfg.ActiveParallelism = 4
	}
	if cfg.DegradedParallelism <= 0 {
		cfg.DegradedParallelism = 2
	}
	if cfg.DegradedEnterTicks <= 0 {
		cfg.DegradedEnterTicks = 3
	}
	if cfg.DegradedExitTicks <= 0 {
		cfg.DegradedExitTicks = 2
	}
	if cfg.SkipContribution <= 0 {
		cfg.SkipContribution = 0.8
	}
	if cfg.InsightRecall <= 0 {
		cfg.InsightRecall = 5
	}
	if cfg.RecentOutputs <= 0 {
		cfg.RecentOutputs = 3
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.GoalValidationSpec == "" {
		cfg.GoalValidationSpec = "*/20 * * * *"
	}
	if cfg.FailedSweepSpec == "" {
		cfg.FailedSweepSpec = "@every 1m"
	}
	if cfg.SweepRetryDelay <= 0 {
		cfg.SweepRetryDelay = 30 * time.Second
	}
	if cfg.StarvationCooldown <= 0 {
		cfg.StarvationCooldown = time.Minute
	}
	return &Supervisor{
		workspaces: deps.Workspaces,
		tasks:      deps.Tasks,
		goals:      deps.Goals,
		queue:      deps.Queue,
		pool:       deps.Pool,
		runner:     deps.Runner,
		aggregator: deps.Aggregator,
		engine:     deps.Recovery,
		memory:     deps.Memory,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		sem:        semaphore.NewWeighted(cfg.GlobalParallelism),
		cron:       cron.New(),
		state:      make(map[string]*wsState),
		attempts:   make(map[string]*recovery.Attempt),
	}
}

// Run ticks all dispatchable workspaces until ctx is cancelled, then drains
// in-flight executions within the shutdown grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.GoalValidationSpec, func() { s.validateGoals(ctx) }); err != nil {
		return fmt.Errorf("schedule goal validation: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.FailedSweepSpec, func() { s.sweepFailed(ctx) }); err != nil {
		return fmt.Errorf("schedule failed-task sweep: %w", err)
	}
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("supervisor running, tick every %s", s.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			s.TickAll(ctx)
		}
	}
}

// TickAll runs one scheduling pass over every dispatchable workspace.
func (s *Supervisor) TickAll(ctx context.Context) {
	list, err := s.workspaces.ListByStatus(ctx,
		workspace.StatusActive, workspace.StatusAutoRecovering, workspace.StatusDegradedMode)
	if err != nil {
		s.logger.Error("list dispatchable workspaces: %v", err)
		return
	}
	for _, ws := range list {
		s.Tick(ctx, ws)
	}
}

// Tick evaluates one workspace's health and dispatches ready tasks up to its
// parallelism cap.
func (s *Supervisor) Tick(ctx context.Context, ws *workspace.Workspace) {
	if s.isPaused(ws.ID) {
		return
	}
	s.evaluateHealth(ctx, ws)

	capacity := s.capacity(ws)
	if capacity <= 0 {
		return
	}
	picked, err := s.queue.PickReady(ctx, ws.ID, capacity)
	if err != nil {
		s.noteTickError(ctx, ws.ID, err)
		return
	}
	for _, t := range picked {
		s.dispatch(ctx, ws, t)
	}
}

func (s *Supervisor) capacity(ws *workspace.Workspace) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ws.ParallelismCap(s.cfg.ActiveParallelism, s.cfg.DegradedParallelism) - s.stateLocked(ws.ID).inflight
}

// evaluateHealth folds the previous interval's completion and recovery counts
// into the degraded-mode streaks and applies any mode change.
func (s *Supervisor) evaluateHealth(ctx context.Context, ws *workspace.Workspace) {
	s.mu.Lock()
	st := s.stateLocked(ws.ID)
	switch {
	case st.completions > 0:
		st.successStreak++
		st.zeroStreak = 0
	case st.recoveries > 0:
		st.zeroStreak++
		st.successStreak = 0
	}
	zero, success := st.zeroStreak, st.successStreak
	st.completions, st.recoveries = 0, 0
	s.mu.Unlock()

	status := workspace.Normalize(ws.Status)
	switch {
	case status != workspace.StatusDegradedMode && zero >= s.cfg.DegradedEnterTicks:
		s.setWorkspaceStatus(ctx, ws, workspace.StatusDegradedMode,
			fmt.Sprintf("%d ticks with recoveries and no completions", zero))
		s.resetStreaks(ws.ID)
	case status == workspace.StatusDegradedMode && success >= s.cfg.DegradedExitTicks:
		s.setWorkspaceStatus(ctx, ws, workspace.StatusActive,
			fmt.Sprintf("completions resumed for %d ticks", success))
		s.resetStreaks(ws.ID)
	}
}

func (s *Supervisor) setWorkspaceStatus(ctx context.Context, ws *workspace.Workspace, to workspace.Status, reason string) {
	if !workspace.CanTransition(ws.Status, to) {
		return
	}
	if err := s.workspaces.SetStatus(ctx, ws.ID, ws.Status, to); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.logger.Debug("workspace %s moved concurrently, skipping %s", ws.ID, to)
			return
		}
		s.logger.Warn("move workspace %s to %s: %v", ws.ID, to, err)
		return
	}
	from := ws.Status
	ws.Status = to
	s.logger.Info("workspace %s: %s -> %s (%s)", ws.ID, from, to, reason)
	if s.bus != nil {
		_ = s.bus.Publish(&events.Event{
			Type:        events.WorkspaceStateChanged,
			WorkspaceID: ws.ID,
			EntityID:    ws.ID,
			TraceID:     ws.TraceID,
			Payload: map[string]any{
				"from":   string(from),
				"to":     string(to),
				"reason": reason,
			},
		})
	}
}

func (s *Supervisor) dispatch(ctx context.Context, ws *workspace.Workspace, t *task.Task) {
	if !s.sem.TryAcquire(1) {
		return
	}

	// A refusing agent is out immediately; otherwise the rotation only skips
	// the last agent once it has failed this task twice in a row.
	excludeID := ""
	if t.LastFailureType == string(taskerrors.FailureLLMRefusal) || t.SameAgentFailures >= 2 {
		excludeID = t.LastAgentID
	}
	a, err := s.pool.Match(ctx, t, excludeID)
	if err != nil {
		s.sem.Release(1)
		if errors.Is(err, agentpool.ErrNoAgentAvailable) {
			s.noteStarvation(ctx, t)
			return
		}
		s.logger.Warn("match agent for task %s: %v", t.ID, err)
		return
	}
	if err := s.pool.Bind(ctx, a.ID, t.ID); err != nil {
		s.sem.Release(1)
		s.logger.Warn("bind agent %s to task %s: %v", a.ID, t.ID, err)
		return
	}
	if err := s.queue.MarkInProgress(ctx, t, a.ID); err != nil {
		s.sem.Release(1)
		if relErr := s.pool.Release(ctx, a.ID); relErr != nil {
			s.logger.Warn("release agent %s: %v", a.ID, relErr)
		}
		s.logger.Warn("mark task %s in progress: %v", t.ID, err)
		return
	}

	s.metrics.RecordDispatch(ctx, ws.ID)
	s.addInflight(ws.ID, 1)
	jobCtx, cancel := context.WithCancel(ctx)
	s.trackJob(ws.ID, t.ID, cancel)
	s.wg.Add(1)
	async.Go(s.logger, "execute-"+t.ID, func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.addInflight(ws.ID, -1)
		defer s.untrackJob(ws.ID, t.ID)
		defer cancel()
		s.execute(jobCtx, ws, t, a)
	})
}

func (s *Supervisor) execute(ctx context.Context, ws *workspace.Workspace, t *task.Task, a *agent.Agent) {
	env := s.buildEnvironment(ctx, t)
	env.Agent = a

	start := time.Now()
	out, err := s.runner.Execute(ctx, t, env)

	// A cancelled job context means the workspace was paused mid-flight, not
	// that the task failed. Bookkeeping runs on a detached context so the
	// cancellation cannot abort the writes.
	cancelled := ctx.Err() != nil && errors.Is(err, ctx.Err())
	ctx = context.WithoutCancel(ctx)
	if cancelled {
		s.abandon(ctx, t, a)
		return
	}

	if err != nil {
		s.handleFailure(ctx, ws, t, a, err)
		execErr := taskerrors.ClassifyExecution(err)
		s.metrics.RecordTaskResult(ctx, ws.ID, string(execErr.Kind), time.Since(start))
		return
	}
	s.metrics.RecordTaskResult(ctx, ws.ID, "", time.Since(start))
	s.handleSuccess(ctx, ws, t, a, out)
}

// abandon returns a cancelled execution to the ready lane untouched: no
// failure recorded, no recovery attempt, nothing aggregated.
func (s *Supervisor) abandon(ctx context.Context, t *task.Task, a *agent.Agent) {
	if err := s.pool.Release(ctx, a.ID); err != nil {
		s.logger.Warn("release agent %s: %v", a.ID, err)
	}
	if err := s.queue.Requeue(ctx, t, 0); err != nil {
		s.logger.Warn("requeue abandoned task %s: %v", t.ID, err)
	}
}

// buildEnvironment assembles the prompt context. After a context overflow the
// next attempt runs on a minimal prompt: goal only, no recalled insights or
// sibling summaries.
func (s *Supervisor) buildEnvironment(ctx context.Context, t *task.Task) executor.Environment {
	var env executor.Environment
	if g, err := s.goals.Get(ctx, t.GoalID); err == nil {
		env.Goal = g
	}
	if t.LastFailureType == string(taskerrors.FailureContextOverflow) {
		return env
	}
	if s.memory != nil {
		recalled, err := s.memory.Query(ctx, t.WorkspaceID, insight.Filter{MinConfidence: 0.3}, s.cfg.InsightRecall)
		if err != nil {
			s.logger.Warn("recall insights for task %s: %v", t.ID, err)
		} else {
			env.Insights = recalled
		}
	}
	env.RecentOutputs = s.recentOutputs(ctx, t)
	return env
}

func (s *Supervisor) recentOutputs(ctx context.Context, t *task.Task) []string {
	siblings, err := s.tasks.ListByGoal(ctx, t.GoalID, task.StatusCompleted)
	if err != nil {
		return nil
	}
	sort.Slice(siblings, func(i, j int) bool {
		return siblings[i].UpdatedAt.After(siblings[j].UpdatedAt)
	})
	var summaries []string
	for _, sib := range siblings {
		if sib.ID == t.ID {
			continue
		}
		out, err := s.tasks.GetOutput(ctx, sib.ID)
		if err != nil || out == nil || out.Summary == "" {
			continue
		}
		summaries = append(summaries, out.Summary)
		if len(summaries) >= s.cfg.RecentOutputs {
			break
		}
	}
	return summaries
}

func (s *Supervisor) handleSuccess(ctx context.Context, ws *workspace.Workspace, t *task.Task, a *agent.Agent, out *task.Output) {
	if err := s.queue.MarkCompleted(ctx, t, out); err != nil {
		s.logger.Error("complete task %s: %v", t.ID, err)
		return
	}
	if _, err := s.aggregator.Ingest(ctx, t, out); err != nil {
		s.logger.Error("aggregate output of task %s: %v", t.ID, err)
	}
	if err := s.pool.Release(ctx, a.ID); err != nil {
		s.logger.Warn("release agent %s: %v", a.ID, err)
	}
	s.concludeAttempt(ctx, t.ID, true)
	s.noteCompletion(ws.ID)
}

func (s *Supervisor) handleFailure(ctx context.Context, ws *workspace.Workspace, t *task.Task, a *agent.Agent, err error) {
	execErr := taskerrors.ClassifyExecution(err)
	s.logger.Warn("task %s failed (%s): %v", t.ID, execErr.Kind, err)

	if mfErr := s.queue.MarkFailed(ctx, t, string(execErr.Kind)); mfErr != nil {
		s.logger.Error("mark task %s failed: %v", t.ID, mfErr)
	}
	s.savePartialProgress(ctx, t, execErr)

	// A refusing agent rests so the rotation moves on; everyone else goes
	// straight back to idle.
	if execErr.Kind == taskerrors.FailureLLMRefusal {
		if restErr := s.pool.Rest(ctx, a.ID); restErr != nil {
			s.logger.Warn("rest agent %s: %v", a.ID, restErr)
		}
	} else if relErr := s.pool.Release(ctx, a.ID); relErr != nil {
		s.logger.Warn("release agent %s: %v", a.ID, relErr)
	}
	s.noteRecovery(ws.ID)

	decision, derr := s.engine.Decide(ctx, t, execErr)
	if derr != nil {
		s.logger.Error("decide recovery for task %s: %v", t.ID, derr)
		return
	}
	s.rememberAttempt(t.ID, decision.Attempt)
	s.metrics.RecordRecovery(ctx, ws.ID, string(decision.Strategy))
	s.apply(ctx, ws, t, decision)
}

// savePartialProgress keeps whatever the execution produced before it died,
// attached to the failed task so later attempts and operators can see it.
func (s *Supervisor) savePartialProgress(ctx context.Context, t *task.Task, execErr *taskerrors.ExecutionError) {
	if execErr.PartialOutput == "" {
		return
	}
	partial := &task.Output{
		Kind:    task.OutputDocument,
		Summary: fmt.Sprintf("partial progress before %s failure", execErr.Kind),
	}
	if err := json.Unmarshal([]byte(execErr.PartialOutput), &partial.ToolTrace); err != nil {
		partial.Document = execErr.PartialOutput
	}
	if err := s.tasks.SaveOutput(ctx, t.ID, partial); err != nil {
		s.logger.Warn("save partial output of task %s: %v", t.ID, err)
	}
}

// apply carries out the recovery decision.
func (s *Supervisor) apply(ctx context.Context, ws *workspace.Workspace, t *task.Task, d *recovery.Decision) {
	switch d.Strategy {
	case recovery.StrategyRetryWithDelay:
		if err := s.queue.Requeue(ctx, t, d.Delay); err != nil {
			s.logger.Warn("requeue task %s: %v", t.ID, err)
		}

	case recovery.StrategyRetryDifferentAgent, recovery.StrategyContextReconstruction:
		// Both rerun immediately; the different agent and the leaner prompt
		// come from the recorded failure type at dispatch time.
		if err := s.queue.Requeue(ctx, t, 0); err != nil {
			s.logger.Warn("requeue task %s: %v", t.ID, err)
		}

	case recovery.StrategyDecompose:
		s.replaceTask(ctx, t, d.Subtasks)

	case recovery.StrategyAlternativeApproach:
		// Same task, reworked framing: the executor folds the recorded
		// failure into the next prompt, and the row keeps its recovery
		// budget.
		if err := s.queue.Requeue(ctx, t, 0); err != nil {
			s.logger.Warn("requeue task %s: %v", t.ID, err)
		}

	case recovery.StrategySkipWithFallback:
		s.skipWithFallback(ctx, t)

	default:
		s.logger.Warn("unknown recovery strategy %q for task %s, requeueing", d.Strategy, t.ID)
		if err := s.queue.Requeue(ctx, t, d.Delay); err != nil {
			s.logger.Warn("requeue task %s: %v", t.ID, err)
		}
	}
}

// replaceTask cancels the failed task and admits its replacements. The
// recovery attempt closes as soon as the replacements are admitted; their own
// executions are tracked independently.
func (s *Supervisor) replaceTask(ctx context.Context, t *task.Task, specs []recovery.SubtaskSpec) {
	admitted := 0
	for _, sub := range specs {
		if _, err := s.queue.Enqueue(ctx, queue.Spec{
			WorkspaceID:  t.WorkspaceID,
			GoalID:       t.GoalID,
			Name:         sub.Name,
			Description:  sub.Description,
			Contribution: sub.Contribution,
		}); err != nil {
			s.logger.Warn("enqueue replacement %q for task %s: %v", sub.Name, t.ID, err)
			continue
		}
		admitted++
	}
	if admitted == 0 {
		// Nothing replaced the task; keep it alive with a delayed retry.
		if err := s.queue.Requeue(ctx, t, s.cfg.SweepRetryDelay); err != nil {
			s.logger.Warn("requeue task %s: %v", t.ID, err)
		}
		return
	}
	if err := s.queue.MarkCancelled(ctx, t); err != nil {
		s.logger.Warn("cancel replaced task %s: %v", t.ID, err)
	}
	s.concludeAttempt(ctx, t.ID, true)
}

// skipWithFallback completes the task with degraded quality and a reduced
// contribution so the goal keeps moving.
func (s *Supervisor) skipWithFallback(ctx context.Context, t *task.Task) {
	if err := s.tasks.SetQualityFlag(ctx, t.ID, task.QualityDegraded); err != nil {
		s.logger.Warn("flag task %s degraded: %v", t.ID, err)
	}
	t.QualityFlag = task.QualityDegraded

	out := &task.Output{
		Kind:         task.OutputDocument,
		Summary:      fmt.Sprintf("Task %q skipped after repeated failures.", t.Name),
		Document:     "Automatic fallback: the task could not be completed and was skipped with partial goal credit.",
		Contribution: t.Contribution * s.cfg.SkipContribution,
	}
	if err := s.queue.MarkCompleted(ctx, t, out); err != nil {
		s.logger.Error("complete skipped task %s: %v", t.ID, err)
		return
	}
	if _, err := s.aggregator.Ingest(ctx, t, out); err != nil {
		s.logger.Error("aggregate fallback for task %s: %v", t.ID, err)
	}
	if s.memory != nil {
		if _, err := s.memory.Record(ctx, &insight.Insight{
			WorkspaceID:   t.WorkspaceID,
			Kind:          insight.KindFailureLesson,
			Content:       fmt.Sprintf("task %q was skipped after %d failed recoveries (%s)", t.Name, t.RecoveryCount, t.LastFailureType),
			Confidence:    0.9,
			BusinessValue: 0.4,
			Tags:          []string{"skip_with_fallback"},
			SourceTaskID:  t.ID,
		}); err != nil {
			s.logger.Warn("record skip lesson: %v", err)
		}
	}
	s.concludeAttempt(ctx, t.ID, false)
}

// PauseWorkspace halts a workspace: in-flight executions are cancelled and
// requeued untouched, ticks become no-ops, and active goals stop accepting
// tasks until StartWorkspace.
func (s *Supervisor) PauseWorkspace(ctx context.Context, workspaceID string) error {
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.stateLocked(workspaceID)
	st.paused = true
	cancels := make([]context.CancelFunc, 0, len(st.cancels))
	for _, cancel := range st.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	goals, err := s.goals.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, g := range goals {
		if g.Status != goal.StatusActive {
			continue
		}
		if err := s.goals.SetStatus(ctx, g.ID, goal.StatusPaused); err != nil {
			s.logger.Warn("pause goal %s: %v", g.ID, err)
		}
	}
	s.logger.Info("workspace %s paused, %d executions cancelled", workspaceID, len(cancels))
	return nil
}

// StartWorkspace resumes a paused workspace and reactivates its paused goals.
func (s *Supervisor) StartWorkspace(ctx context.Context, workspaceID string) error {
	if _, err := s.workspaces.Get(ctx, workspaceID); err != nil {
		return err
	}

	s.mu.Lock()
	s.stateLocked(workspaceID).paused = false
	s.mu.Unlock()

	goals, err := s.goals.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, g := range goals {
		if g.Status != goal.StatusPaused {
			continue
		}
		if err := s.goals.SetStatus(ctx, g.ID, goal.StatusActive); err != nil {
			s.logger.Warn("resume goal %s: %v", g.ID, err)
		}
	}
	s.logger.Info("workspace %s resumed", workspaceID)
	return nil
}

// TickNow runs one immediate scheduling pass for a single workspace, outside
// the regular tick cadence.
func (s *Supervisor) TickNow(ctx context.Context, workspaceID string) error {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	s.Tick(ctx, ws)
	return nil
}

// validateGoals completes satisfied goals and completes workspaces whose
// goals are all terminal.
func (s *Supervisor) validateGoals(ctx context.Context) {
	list, err := s.workspaces.ListByStatus(ctx,
		workspace.StatusActive, workspace.StatusAutoRecovering, workspace.StatusDegradedMode)
	if err != nil {
		s.logger.Error("goal validation: list workspaces: %v", err)
		return
	}
	for _, ws := range list {
		goals, err := s.goals.ListByWorkspace(ctx, ws.ID)
		if err != nil {
			s.noteTickError(ctx, ws.ID, err)
			continue
		}
		allDone := len(goals) > 0
		for _, g := range goals {
			if g.Satisfied() && !g.Status.IsTerminal() {
				if err := s.goals.SetStatus(ctx, g.ID, goal.StatusCompleted); err != nil {
					s.logger.Warn("complete satisfied goal %s: %v", g.ID, err)
				} else {
					g.Status = goal.StatusCompleted
				}
			}
			if !g.Status.IsTerminal() {
				allDone = false
			}
		}
		if allDone {
			s.setWorkspaceStatus(ctx, ws, workspace.StatusCompleted, "all goals terminal")
		}
	}
}

// sweepFailed requeues tasks stranded in failed status, usually because the
// process died between recording the failure and applying its recovery.
func (s *Supervisor) sweepFailed(ctx context.Context) {
	list, err := s.workspaces.ListByStatus(ctx,
		workspace.StatusActive, workspace.StatusAutoRecovering, workspace.StatusDegradedMode)
	if err != nil {
		s.logger.Error("failed-task sweep: list workspaces: %v", err)
		return
	}
	for _, ws := range list {
		stranded, err := s.tasks.ListByWorkspace(ctx, ws.ID, task.StatusFailed)
		if err != nil {
			s.noteTickError(ctx, ws.ID, err)
			continue
		}
		for _, t := range stranded {
			if err := s.queue.Requeue(ctx, t, s.cfg.SweepRetryDelay); err != nil {
				s.logger.Warn("sweep requeue task %s: %v", t.ID, err)
			}
		}
	}
}

func (s *Supervisor) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		return fmt.Errorf("supervisor: shutdown grace %s elapsed with executions still running", s.cfg.ShutdownGrace)
	}
}

// noteStarvation parks the task on a cooldown so the tick loop does not spin
// on a workspace with no free agents, and records the starvation.
func (s *Supervisor) noteStarvation(ctx context.Context, t *task.Task) {
	if err := s.queue.Requeue(ctx, t, s.cfg.StarvationCooldown); err != nil {
		s.logger.Warn("park starved task %s: %v", t.ID, err)
	}
	if s.memory == nil {
		return
	}
	if _, err := s.memory.Record(ctx, &insight.Insight{
		WorkspaceID:   t.WorkspaceID,
		Kind:          insight.KindConstraint,
		Content:       fmt.Sprintf("no agent available for task %q", t.Name),
		Confidence:    0.8,
		BusinessValue: 0.3,
		Tags:          []string{"agent_starvation"},
		SourceTaskID:  t.ID,
	}); err != nil {
		s.logger.Warn("record starvation insight: %v", err)
	}
}

func (s *Supervisor) noteTickError(ctx context.Context, workspaceID string, err error) {
	s.logger.Error("tick workspace %s: %v", workspaceID, err)
	if s.memory == nil {
		return
	}
	if _, rerr := s.memory.Record(ctx, &insight.Insight{
		WorkspaceID:   workspaceID,
		Kind:          insight.KindRisk,
		Content:       fmt.Sprintf("supervisor tick failed: %v", err),
		Confidence:    0.9,
		BusinessValue: 0.2,
		Tags:          []string{"supervisor_tick_error"},
	}); rerr != nil {
		s.logger.Warn("record tick error insight: %v", rerr)
	}
}

func (s *Supervisor) stateLocked(id string) *wsState {
	st, ok := s.state[id]
	if !ok {
		st = &wsState{}
		s.state[id] = st
	}
	return st
}

func (s *Supervisor) addInflight(id string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(id).inflight += delta
}

func (s *Supervisor) isPaused(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(id).paused
}

func (s *Supervisor) trackJob(workspaceID, taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(workspaceID)
	if st.cancels == nil {
		st.cancels = make(map[string]context.CancelFunc)
	}
	st.cancels[taskID] = cancel
}

func (s *Supervisor) untrackJob(workspaceID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stateLocked(workspaceID).cancels, taskID)
}

func (s *Supervisor) noteCompletion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(id).completions++
}

func (s *Supervisor) noteRecovery(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(id).recoveries++
}

func (s *Supervisor) resetStreaks(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(id)
	st.zeroStreak, st.successStreak = 0, 0
}

func (s *Supervisor) rememberAttempt(taskID string, attempt *recovery.Attempt) {
	if attempt == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[taskID] = attempt
}

func (s *Supervisor) concludeAttempt(ctx context.Context, taskID string, success bool) {
	s.mu.Lock()
	attempt := s.attempts[taskID]
	delete(s.attempts, taskID)
	s.mu.Unlock()
	if attempt == nil {
		return
	}
	if err := s.engine.Conclude(ctx, attempt, success); err != nil {
		s.logger.Warn("conclude recovery attempt %s: %v", attempt.ID, err)
	}
}
