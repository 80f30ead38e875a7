// Package insight defines workspace memory entries: success patterns,
// failure lessons, constraints, and other contextual findings that inform
// later task planning.
package insight

import (
	"context"
	"time"
)

// Kind classifies a memory entry.
type Kind string

const (
	KindSuccessPattern Kind = "success_pattern"
	KindFailureLesson  Kind = "failure_lesson"
	KindConstraint     Kind = "constraint"
	KindRisk           Kind = "risk"
	KindOpportunity    Kind = "opportunity"
	KindDiscovery      Kind = "discovery"
)

// Insight is a single workspace memory entry.
type Insight struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	Kind        Kind     `json:"kind"`
	Content     string   `json:"content"`
	Confidence  float64  `json:"confidence"`     // [0,1]
	BusinessValue float64 `json:"business_value"` // [0,1]
	Tags        []string `json:"tags,omitempty"`
	SourceTaskID string  `json:"source_task_id,omitempty"`

	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Score orders insights for recall and eviction: business value weighted by
// confidence.
func (i *Insight) Score() float64 {
	return i.Confidence * i.BusinessValue
}

// Filter narrows a memory query.
type Filter struct {
	Kinds         []Kind
	Tags          []string
	MinConfidence float64
}

// Matches reports whether the insight passes the filter.
func (f Filter) Matches(in *Insight) bool {
	if in.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if in.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tags) > 0 {
		tagSet := make(map[string]bool, len(in.Tags))
		for _, tag := range in.Tags {
			tagSet[tag] = true
		}
		for _, tag := range f.Tags {
			if !tagSet[tag] {
				return false
			}
		}
	}
	return true
}

// Store is the insight persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, in *Insight) error
	Get(ctx context.Context, id string) (*Insight, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*Insight, error)
	CountByWorkspace(ctx context.Context, workspaceID string) (int, error)
	Delete(ctx context.Context, id string) error
}
