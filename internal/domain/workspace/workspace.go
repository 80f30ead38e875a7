// Package workspace defines the top-level unit of work and its state machine.
package workspace

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a workspace.
type Status string

const (
	StatusCreated        Status = "created"
	StatusActive         Status = "active"
	StatusAutoRecovering Status = "auto_recovering"
	StatusDegradedMode   Status = "degraded_mode"
	StatusCompleted      Status = "completed"
	StatusArchived       Status = "archived"

	// legacyNeedsIntervention survives only in old rows; it is never written
	// and reads as auto_recovering.
	legacyNeedsIntervention Status = "needs_intervention"
)

// Normalize maps legacy persisted statuses onto the live state machine.
func Normalize(s Status) Status {
	if s == legacyNeedsIntervention {
		return StatusAutoRecovering
	}
	return s
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// Dispatchable reports whether tasks may be dispatched in this status.
// Degraded mode still dispatches, with reduced parallelism.
func (s Status) Dispatchable() bool {
	switch s {
	case StatusActive, StatusDegradedMode, StatusAutoRecovering:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusCreated:        {StatusActive, StatusArchived},
	StatusActive:         {StatusAutoRecovering, StatusDegradedMode, StatusCompleted, StatusArchived},
	StatusAutoRecovering: {StatusActive, StatusDegradedMode, StatusArchived},
	StatusDegradedMode:   {StatusActive, StatusCompleted, StatusArchived},
	StatusCompleted:      {StatusArchived},
	StatusArchived:       {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	from = Normalize(from)
	to = Normalize(to)
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Workspace is a tenant-scoped unit containing a goal, a team, tasks, and
// deliverables.
type Workspace struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GoalText string `json:"goal_text"`
	Status   Status `json:"status"`

	ComplianceScore float64 `json:"compliance_score"` // [0,100]

	RecoveryCount         int        `json:"recovery_count"`
	TotalRecoveryAttempts int        `json:"total_recovery_attempts"`
	SuccessfulRecoveries  int        `json:"successful_recoveries"`
	LastRecoveryAt        *time.Time `json:"last_recovery_at,omitempty"`

	TraceID   string    `json:"trace_id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParallelismCap returns the task concurrency cap for this workspace given
// the configured active and degraded limits.
func (w *Workspace) ParallelismCap(active, degraded int) int {
	if Normalize(w.Status) == StatusDegradedMode {
		return degraded
	}
	return active
}

// Snapshot is the API-facing view of a workspace, including derived counters.
type Snapshot struct {
	Workspace
	ActiveGoals          int    `json:"active_goals"`
	PendingTasks         int    `json:"pending_tasks"`
	CompletedTasks       int    `json:"completed_tasks"`
	OpenDeliverables     int    `json:"open_deliverables"`
	CriticalExplanations int    `json:"critical_explanations"`
	Health               string `json:"health"`
}

// Store is the workspace persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, ws *Workspace) error
	Get(ctx context.Context, id string) (*Workspace, error)
	List(ctx context.Context, limit, offset int) ([]*Workspace, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Workspace, error)

	// SetStatus applies a state-machine transition with optimistic locking on
	// the version column. Returns ErrConflict on a stale version and
	// ErrInvalidTransition when the move is illegal.
	SetStatus(ctx context.Context, id string, from, to Status) error

	// RecordRecovery increments the recovery counters; success controls the
	// successful_recoveries column.
	RecordRecovery(ctx context.Context, id string, success bool) error

	Delete(ctx context.Context, id string) error
}
