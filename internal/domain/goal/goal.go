// Package goal defines measurable sub-targets of a workspace and the
// registry port used to track their progress.
package goal

import (
	"context"
	"time"
)

// MetricType describes how a goal's progress is measured.
type MetricType string

const (
	MetricCount       MetricType = "count"
	MetricRatio       MetricType = "ratio"
	MetricTextQuality MetricType = "text_quality"
	MetricTimeline    MetricType = "timeline"
	MetricCustom      MetricType = "custom"
)

// Status represents the lifecycle state of a goal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AcceptsTasks reports whether tasks belonging to this goal may be picked for
// execution.
func (s Status) AcceptsTasks() bool {
	switch s {
	case StatusPending, StatusActive:
		return true
	default:
		return false
	}
}

// Priority orders goals when competing for scheduler attention.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight converts a priority into a scheduler score contribution.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Goal is a measurable sub-target decomposed from the workspace goal.
type Goal struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Description string     `json:"description"`
	MetricType  MetricType `json:"metric_type"`

	TargetValue  float64 `json:"target_value"`
	CurrentValue float64 `json:"current_value"`

	// ReportedProgress is what was last reported outward; it must equal the
	// calculated percentage or a transparency_gap event is emitted.
	ReportedProgress float64 `json:"progress_percentage"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	TraceID   string    `json:"trace_id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalculatedProgress derives the progress percentage from current and target
// values: min(100, 100*current/target) when target > 0.
func (g *Goal) CalculatedProgress() float64 {
	if g.TargetValue <= 0 {
		return 0
	}
	pct := 100 * g.CurrentValue / g.TargetValue
	if pct > 100 {
		return 100
	}
	return pct
}

// TransparencyGap reports whether the reported and calculated progress have
// drifted apart beyond float noise.
func (g *Goal) TransparencyGap() bool {
	diff := g.ReportedProgress - g.CalculatedProgress()
	if diff < 0 {
		diff = -diff
	}
	return diff > 0.01
}

// Satisfied reports whether the goal's target has been met.
func (g *Goal) Satisfied() bool {
	return g.TargetValue > 0 && g.CurrentValue >= g.TargetValue
}

// Registry is the goal persistence port.
type Registry interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, g *Goal) error
	Get(ctx context.Context, id string) (*Goal, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*Goal, error)

	// Advance moves current_value forward by delta using compare-and-set on
	// the version column. Negative deltas are rejected; rollbacks go through
	// Rollback. Returns the updated goal.
	Advance(ctx context.Context, id string, delta float64) (*Goal, error)

	// Rollback explicitly reduces current_value. It exists so the monotonic
	// invariant on Advance stays enforceable.
	Rollback(ctx context.Context, id string, newValue float64) (*Goal, error)

	// ReportProgress persists the outward-reported percentage.
	ReportProgress(ctx context.Context, id string, pct float64) error

	SetStatus(ctx context.Context, id string, status Status) error
}
