// Package recovery defines the audit entities of the autonomous recovery
// engine: attempts, failure patterns, and human-readable explanations.
package recovery

import (
	"context"
	"time"

	"taskforge/internal/errors"
)

// Strategy enumerates the recovery actions the engine can take.
type Strategy string

const (
	StrategyRetryWithDelay        Strategy = "retry_with_delay"
	StrategyRetryDifferentAgent   Strategy = "retry_with_different_agent"
	StrategyDecompose             Strategy = "decompose"
	StrategyAlternativeApproach   Strategy = "alternative_approach"
	StrategySkipWithFallback      Strategy = "skip_with_fallback"
	StrategyContextReconstruction Strategy = "context_reconstruction"
)

// Severity ranks how urgently a human should look at an explanation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Attempt is the audit record of one recovery event.
type Attempt struct {
	ID          string   `json:"id"`
	TaskID      string   `json:"task_id"`
	WorkspaceID string   `json:"workspace_id"`
	Strategy    Strategy `json:"strategy"`

	AttemptNumber int     `json:"attempt_number"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`

	TraceID string `json:"trace_id"`
}

// Pattern aggregates occurrences of the same failure signature across a
// workspace.
type Pattern struct {
	Signature       string             `json:"signature"`
	WorkspaceID     string             `json:"workspace_id"`
	Kind            errors.FailureKind `json:"kind"`
	SampleMessage   string             `json:"sample_message"`
	OccurrenceCount int                `json:"occurrence_count"`
	FirstSeenAt     time.Time          `json:"first_seen_at"`
	LastSeenAt      time.Time          `json:"last_seen_at"`
}

// Explanation is the human-readable narrative persisted for each attempted
// recovery.
type Explanation struct {
	ID          string   `json:"id"`
	AttemptID   string   `json:"attempt_id"`
	WorkspaceID string   `json:"workspace_id"`
	TaskID      string   `json:"task_id"`

	Summary            string   `json:"summary"`
	RootCause          string   `json:"root_cause"`
	Decision           string   `json:"decision"`
	UserActionRequired bool     `json:"user_action_required"`
	Severity           Severity `json:"severity"`
	Acknowledged       bool     `json:"acknowledged"`

	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is what the engine hands back to the supervisor after classifying
// a failure.
type Decision struct {
	Strategy   Strategy      `json:"strategy"`
	Confidence float64       `json:"confidence"`
	Delay      time.Duration `json:"delay"`
	Reasoning  string        `json:"reasoning"`

	// ExcludeAgentID is set for retry_with_different_agent.
	ExcludeAgentID string `json:"exclude_agent_id,omitempty"`

	// Subtasks carries the decomposition for strategy decompose.
	Subtasks []SubtaskSpec `json:"subtasks,omitempty"`

	Attempt     *Attempt     `json:"attempt"`
	Explanation *Explanation `json:"explanation"`
}

// SubtaskSpec describes one replacement task produced by decomposition.
type SubtaskSpec struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Contribution float64 `json:"contribution"`
}

// Store is the recovery audit persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error

	RecordAttempt(ctx context.Context, a *Attempt) error
	CloseAttempt(ctx context.Context, id string, success bool, at time.Time) error
	ListAttemptsByTask(ctx context.Context, taskID string) ([]*Attempt, error)
	ListAttemptsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*Attempt, error)

	// UpsertPattern increments the occurrence count for the signature,
	// creating the row on first sight. Returns the updated pattern.
	UpsertPattern(ctx context.Context, p *Pattern) (*Pattern, error)
	GetPattern(ctx context.Context, workspaceID, signature string) (*Pattern, error)

	RecordExplanation(ctx context.Context, e *Explanation) error
	ListExplanations(ctx context.Context, workspaceID string, onlyUnacknowledged bool) ([]*Explanation, error)
	AcknowledgeExplanation(ctx context.Context, id string) error
}
