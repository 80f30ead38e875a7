// Package deliverable defines the aggregated, goal-scoped output entity with
// dual-format content: the structured execution format and the AI-transformed
// display format.
package deliverable

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a deliverable.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DisplayFormat enumerates the user-facing rendering formats.
type DisplayFormat string

const (
	FormatHTML     DisplayFormat = "html"
	FormatMarkdown DisplayFormat = "markdown"
	FormatText     DisplayFormat = "text"
)

// TransformationStatus tracks the display-content pipeline.
type TransformationStatus string

const (
	TransformPending TransformationStatus = "pending"
	TransformSuccess TransformationStatus = "success"
	TransformFailed  TransformationStatus = "failed"
	TransformSkipped TransformationStatus = "skipped"
)

// Deliverable is an aggregated output scoped to one goal.
type Deliverable struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	GoalID      string `json:"goal_id"`
	Title       string `json:"title"`

	// Content is the structured execution format.
	Content json.RawMessage `json:"content"`

	// DisplayContent is the user-facing rendering; may be absent only while
	// TransformationStatus is pending, failed, or skipped.
	DisplayContent          string               `json:"display_content,omitempty"`
	DisplayFormat           DisplayFormat        `json:"display_format"`
	DisplayQualityScore     float64              `json:"display_quality_score"` // [0,1]
	TransformationStatus    TransformationStatus `json:"transformation_status"`
	TransformationTimestamp *time.Time           `json:"transformation_timestamp,omitempty"`

	Status             Status  `json:"status"`
	BusinessValueScore float64 `json:"business_value_score"`

	ContributingTasks []string `json:"contributing_tasks"`
	// ContributedValue accumulates the goal progress claimed by contributing
	// task outputs.
	ContributedValue float64 `json:"contributed_value"`

	// SourceInsightIDs are memory entries this deliverable is built on; they
	// are protected from eviction while the deliverable is open.
	SourceInsightIDs []string `json:"source_insight_ids,omitempty"`

	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayReady reports whether the invariant between display content and
// transformation status holds.
func (d *Deliverable) DisplayReady() bool {
	if d.DisplayContent != "" {
		return d.TransformationStatus == TransformSuccess
	}
	switch d.TransformationStatus {
	case TransformPending, TransformFailed, TransformSkipped:
		return true
	default:
		return false
	}
}

// Store is the deliverable persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Create persists a new deliverable; returns ErrDuplicate when the
	// (workspace_id, goal_id, title) slot is taken.
	Create(ctx context.Context, d *Deliverable) error

	Get(ctx context.Context, id string) (*Deliverable, error)
	GetBySlot(ctx context.Context, workspaceID, goalID, title string) (*Deliverable, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*Deliverable, error)
	ListByGoal(ctx context.Context, goalID string) ([]*Deliverable, error)

	Update(ctx context.Context, d *Deliverable) error
	SetStatus(ctx context.Context, id string, status Status) error

	// SetDisplay records the transformation outcome atomically.
	SetDisplay(ctx context.Context, id string, content string, format DisplayFormat,
		quality float64, status TransformationStatus, at time.Time) error
}
