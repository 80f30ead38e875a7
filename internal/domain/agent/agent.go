// Package agent defines specialist descriptors and the pool port. Agents do
// not hold code; they are prompt personas with a role, seniority, and skills
// that the executor binds tasks to.
package agent

import (
	"context"
	"time"
)

// Seniority ranks an agent's experience level for tie-breaking.
type Seniority string

const (
	SeniorityJunior Seniority = "junior"
	SenioritySenior Seniority = "senior"
	SeniorityExpert Seniority = "expert"
)

// Rank converts seniority to an ordering value (expert > senior > junior).
func (s Seniority) Rank() int {
	switch s {
	case SeniorityExpert:
		return 3
	case SenioritySenior:
		return 2
	case SeniorityJunior:
		return 1
	default:
		return 0
	}
}

// Status represents an agent's availability.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusExecuting   Status = "executing"
	StatusCoolingDown Status = "cooling_down"
	StatusDisabled    Status = "disabled"
)

// Agent is a specialist descriptor owned by a workspace.
type Agent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Seniority   Seniority `json:"seniority"`
	Skills      []string  `json:"skills"`
	Status      Status    `json:"status"`

	CurrentTaskID string     `json:"current_task_id,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`

	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available reports whether the agent can be bound to a task right now.
func (a *Agent) Available(now time.Time) bool {
	switch a.Status {
	case StatusIdle:
		return true
	case StatusCoolingDown:
		return a.CooldownUntil != nil && !now.Before(*a.CooldownUntil)
	default:
		return false
	}
}

// Store is the agent persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*Agent, error)

	// MarkExecuting binds the agent to a task; fails when the agent is not
	// available. The binding is exclusive.
	MarkExecuting(ctx context.Context, id, taskID string) error
	MarkIdle(ctx context.Context, id string) error
	Cooldown(ctx context.Context, id string, until time.Time) error
	Disable(ctx context.Context, id string) error
}
