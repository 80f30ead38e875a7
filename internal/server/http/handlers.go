package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/insight"
	"taskforge/internal/domain/recovery"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/ids"
	"taskforge/internal/proposal"
	"taskforge/internal/queue"
	"taskforge/internal/store"
)

// apiError is the uniform error payload.
type apiError struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id"`
}

func (s *Server) fail(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, apiError{
		ErrorKind: kind,
		Message:   message,
		TraceID:   ids.TraceID(c.Request.Context()),
	})
}

// failErr maps domain errors onto the API taxonomy.
func (s *Server) failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		s.fail(c, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, store.ErrConflict):
		s.fail(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, queue.ErrUnknownGoal):
		s.fail(c, http.StatusUnprocessableEntity, "unknown_goal", err.Error())
	case errors.Is(err, queue.ErrGoalInactive):
		s.fail(c, http.StatusConflict, "goal_inactive", err.Error())
	case errors.Is(err, queue.ErrBackpressure):
		s.fail(c, http.StatusTooManyRequests, "backpressure", err.Error())
	case errors.Is(err, proposal.ErrWorkspaceInactive):
		s.fail(c, http.StatusConflict, "workspace_inactive", err.Error())
	case errors.Is(err, proposal.ErrProposalNotFound):
		s.fail(c, http.StatusNotFound, "proposal_not_found", err.Error())
	default:
		s.logger.Error("request failed: %v", err)
		s.fail(c, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

type createWorkspaceRequest struct {
	Name     string `json:"name" binding:"required"`
	GoalText string `json:"goal_text" binding:"required"`
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "validation", err.Error())
		return
	}

	ctx := c.Request.Context()
	ws := &workspace.Workspace{
		ID:       ids.New(),
		Name:     req.Name,
		GoalText: req.GoalText,
		Status:   workspace.StatusCreated,
		TraceID:  ids.TraceID(ctx),
	}
	if err := s.deps.Workspaces.Create(ctx, ws); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	list, err := s.deps.Workspaces.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list})
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	ctx := c.Request.Context()
	ws, err := s.deps.Workspaces.Get(ctx, c.Param("id"))
	if err != nil {
		s.failErr(c, err)
		return
	}

	snap := workspace.Snapshot{Workspace: *ws}
	if goals, err := s.deps.Goals.ListByWorkspace(ctx, ws.ID); err == nil {
		for _, g := range goals {
			if !g.Status.IsTerminal() {
				snap.ActiveGoals++
			}
		}
	}
	if n, err := s.deps.Tasks.CountByWorkspace(ctx, ws.ID, task.StatusPending, task.StatusReady, task.StatusInProgress); err == nil {
		snap.PendingTasks = n
	}
	if n, err := s.deps.Tasks.CountByWorkspace(ctx, ws.ID, task.StatusCompleted); err == nil {
		snap.CompletedTasks = n
	}
	if list, err := s.deps.Deliverables.ListByWorkspace(ctx, ws.ID); err == nil {
		for _, d := range list {
			if d.Status != deliverable.StatusCompleted {
				snap.OpenDeliverables++
			}
		}
	}
	if expls, err := s.deps.Recovery.ListExplanations(ctx, ws.ID, true); err == nil {
		for _, e := range expls {
			if e.Severity == recovery.SeverityCritical || e.Severity == recovery.SeverityHigh {
				snap.CriticalExplanations++
			}
		}
	}
	snap.Health = health(ws, snap.CriticalExplanations)
	c.JSON(http.StatusOK, snap)
}

type proposeRequest struct {
	Goal     string `json:"goal"`
	Feedback string `json:"feedback"`
}

func (s *Server) handlePropose(c *gin.Context) {
	// An empty body is allowed; the workspace goal text backs it.
	var req proposeRequest
	_ = c.ShouldBindJSON(&req)
	p, err := s.deps.Proposals.Propose(c.Request.Context(), c.Param("id"), req.Goal, req.Feedback)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type approveRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleApprove(c *gin.Context) {
	proposalID := c.Query("proposal_id")
	if proposalID == "" {
		s.fail(c, http.StatusBadRequest, "validation", "proposal_id query parameter is required")
		return
	}
	var req approveRequest
	_ = c.ShouldBindJSON(&req)

	approval, err := s.deps.Proposals.Approve(c.Request.Context(), c.Param("id"), proposalID, req.Feedback)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                       "approved",
		"seeded_tasks":                 approval.SeededTasks,
		"estimated_completion_seconds": approval.EstimatedCompletionSeconds,
	})
}

func (s *Server) handleListGoals(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.deps.Workspaces.Get(ctx, c.Param("id")); err != nil {
		s.failErr(c, err)
		return
	}
	goals, err := s.deps.Goals.ListByWorkspace(ctx, c.Param("id"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var statuses []task.Status
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
	}
	tasks, err := s.deps.Tasks.ListByWorkspace(c.Request.Context(), c.Param("id"), statuses...)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleListDeliverables(c *gin.Context) {
	list, err := s.deps.Deliverables.ListByWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": list})
}

func (s *Server) handlePause(c *gin.Context) {
	if s.deps.Control == nil {
		s.fail(c, http.StatusServiceUnavailable, "unavailable", "supervisor not running")
		return
	}
	if err := s.deps.Control.PauseWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleStart(c *gin.Context) {
	if s.deps.Control == nil {
		s.fail(c, http.StatusServiceUnavailable, "unavailable", "supervisor not running")
		return
	}
	if err := s.deps.Control.StartWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleTickNow(c *gin.Context) {
	if s.deps.Control == nil {
		s.fail(c, http.StatusServiceUnavailable, "unavailable", "supervisor not running")
		return
	}
	if err := s.deps.Control.TickNow(c.Request.Context(), c.Param("id")); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ticked"})
}

func (s *Server) handleRecoverySummary(c *gin.Context) {
	ctx := c.Request.Context()
	ws, err := s.deps.Workspaces.Get(ctx, c.Param("id"))
	if err != nil {
		s.failErr(c, err)
		return
	}

	attempts, err := s.deps.Recovery.ListAttemptsByWorkspace(ctx, ws.ID, 20)
	if err != nil {
		s.failErr(c, err)
		return
	}
	explanations, err := s.deps.Recovery.ListExplanations(ctx, ws.ID, true)
	if err != nil {
		s.failErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_recovery_attempts": ws.TotalRecoveryAttempts,
		"successful_recoveries":   ws.SuccessfulRecoveries,
		"recent_attempts":         attempts,
		"unacknowledged":          explanations,
	})
}

func (s *Server) handleListInsights(c *gin.Context) {
	filter := insight.Filter{}
	if raw := c.Query("kind"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Kinds = append(filter.Kinds, insight.Kind(strings.TrimSpace(part)))
		}
	}
	if raw := c.Query("min_confidence"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinConfidence = v
		}
	}
	limit := intQuery(c, "limit", 50)

	list, err := s.deps.Memory.Query(c.Request.Context(), c.Param("id"), filter, limit)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": list})
}

func health(ws *workspace.Workspace, critical int) string {
	switch {
	case workspace.Normalize(ws.Status) == workspace.StatusDegradedMode:
		return "degraded"
	case critical > 0:
		return "attention"
	case ws.Status.IsTerminal():
		return "done"
	default:
		return "ok"
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
