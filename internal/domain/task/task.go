// Package task defines the unit of agent work, its lifecycle, semantic
// deduplication hash, and priority scoring.
package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusReady         Status = "ready"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
	StatusNeedsRevision Status = "needs_revision"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// QualityFlag marks outputs produced under degraded conditions.
type QualityFlag string

const (
	QualityNormal   QualityFlag = ""
	QualityDegraded QualityFlag = "degraded"
)

// Task is one unit of agent work, always linked to one goal.
type Task struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	GoalID      string `json:"goal_id"`
	AgentID     string `json:"agent_id,omitempty"` // empty before assignment

	Name        string `json:"name"`
	Description string `json:"description"`

	Status        Status      `json:"status"`
	PriorityScore float64     `json:"priority_score"`
	QualityFlag   QualityFlag `json:"quality_flag,omitempty"`

	// Contribution declares how much completing this task advances its goal.
	Contribution float64 `json:"contribution"`

	RecoveryCount   int        `json:"recovery_count"`
	LastFailureType string     `json:"last_failure_type,omitempty"`
	LastAgentID     string     `json:"last_agent_id,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`

	// SameAgentFailures counts consecutive failures under one agent; two in a
	// row force the next attempt onto a different agent.
	LastFailureAgentID string `json:"last_failure_agent_id,omitempty"`
	SameAgentFailures  int    `json:"same_agent_failures,omitempty"`

	SemanticHash string `json:"semantic_hash"`

	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeSemanticHash returns the SHA-256 over name+description+goal_id used
// for the (workspace_id, semantic_hash) dedup constraint.
func ComputeSemanticHash(name, description, goalID string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + description + "\x00" + goalID))
	return hex.EncodeToString(sum[:])
}

// FillSemanticHash populates the hash from the task's own fields.
func (t *Task) FillSemanticHash() {
	t.SemanticHash = ComputeSemanticHash(t.Name, t.Description, t.GoalID)
}

// PriorityInputs carries the signals the deterministic priority formula
// consumes. An AI-assisted scorer may replace the result entirely; this is
// the fallback that always works.
type PriorityInputs struct {
	BasePriority   float64
	GoalWeight     float64
	PendingSince   time.Time
	RecoveryCount  int
	Now            time.Time
}

// recoveryPenaltyStep is how much each failed recovery lowers priority so
// chronically failing work does not thrash the scheduler.
const recoveryPenaltyStep = 0.1

// ComputePriority applies the deterministic scoring formula:
// base + sqrt(minutes pending) aging boost + goal weight - recovery penalty.
func ComputePriority(in PriorityInputs) float64 {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	score := in.BasePriority + in.GoalWeight

	if !in.PendingSince.IsZero() && now.After(in.PendingSince) {
		minutes := now.Sub(in.PendingSince).Minutes()
		score += math.Sqrt(minutes)
	}

	score -= recoveryPenaltyStep * float64(in.RecoveryCount)
	return score
}

// OutputKind tags the variant of a task output.
type OutputKind string

const (
	OutputStructured OutputKind = "structured"
	OutputDocument   OutputKind = "document"
	OutputArtifact   OutputKind = "artifact"
	OutputMixed      OutputKind = "mixed"
)

// Record is one structured row in a task output.
type Record map[string]any

// ArtifactMeta describes a produced binary artifact.
type ArtifactMeta struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	SizeBytes int64  `json:"size_bytes"`
	Location  string `json:"location"`
}

// ToolInvocation records one tool call made during execution.
type ToolInvocation struct {
	Tool       string        `json:"tool"`
	Input      string        `json:"input"`
	Output     string        `json:"output,omitempty"`
	Err        string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	StartedAt  time.Time     `json:"started_at"`
}

// Output is the tagged result of a successful task execution. Consumers
// switch on Kind rather than introspecting free-form maps.
type Output struct {
	Kind OutputKind `json:"kind"`

	Summary    string         `json:"summary"`
	Records    []Record       `json:"records,omitempty"`   // Kind == structured | mixed
	Document   string         `json:"document,omitempty"`  // Kind == document | mixed
	Artifacts  []ArtifactMeta `json:"artifacts,omitempty"` // Kind == artifact | mixed
	ToolTrace  []ToolInvocation `json:"tool_trace,omitempty"`

	// Contribution is the goal progress this output claims; defaults to the
	// task's declared contribution when zero.
	Contribution float64 `json:"contribution"`

	ExecutionTimeMS int64             `json:"execution_time_ms"`
	AgentMetadata   map[string]string `json:"agent_metadata,omitempty"`
}

// Store is the task persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Create persists a new task; returns ErrDuplicate when the
	// (workspace_id, semantic_hash) pair already exists, carrying the
	// existing task's id.
	Create(ctx context.Context, t *Task) error

	Get(ctx context.Context, id string) (*Task, error)
	GetBySemanticHash(ctx context.Context, workspaceID, hash string) (*Task, error)
	ListByWorkspace(ctx context.Context, workspaceID string, statuses ...Status) ([]*Task, error)
	ListByGoal(ctx context.Context, goalID string, statuses ...Status) ([]*Task, error)

	// ListReady returns up to limit ready tasks for the workspace whose
	// cooldown has elapsed, ordered by priority_score desc, created_at asc.
	ListReady(ctx context.Context, workspaceID string, now time.Time, limit int) ([]*Task, error)

	CountByWorkspace(ctx context.Context, workspaceID string, statuses ...Status) (int, error)

	SetStatus(ctx context.Context, id string, status Status) error
	AssignAgent(ctx context.Context, id, agentID string) error
	SetPriority(ctx context.Context, id string, score float64) error
	SetCooldown(ctx context.Context, id string, until *time.Time) error
	RecordFailure(ctx context.Context, id string, failureType string) error
	SetQualityFlag(ctx context.Context, id string, flag QualityFlag) error

	// SaveOutput persists the structured output of a completed task.
	SaveOutput(ctx context.Context, id string, out *Output) error
	GetOutput(ctx context.Context, id string) (*Output, error)
}
