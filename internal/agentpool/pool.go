// Package agentpool matches ready tasks to available specialist agents using
// keyword affinity, seniority, and least-recently-used rotation.
package agentpool

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/task"
	"taskforge/internal/logging"
)

// ErrNoAgentAvailable signals that no agent in the workspace can take the
// task right now.
var ErrNoAgentAvailable = errors.New("agentpool: no agent available")

// Config bounds matching behavior.
type Config struct {
	// AffinityThreshold is the minimum keyword overlap for an agent to take
	// a task; below it the task stays queued rather than landing on a
	// mismatched agent.
	AffinityThreshold float64

	// StarvationCooldown is how long an agent rests after repeated failures.
	StarvationCooldown time.Duration
}

// Pool selects agents for tasks.
type Pool struct {
	agents agent.Store
	cfg    Config
	logger logging.Logger

	now func() time.Time
}

// NewPool builds the matching pool.
func NewPool(agents agent.Store, cfg Config, logger logging.Logger) *Pool {
	if cfg.AffinityThreshold <= 0 {
		cfg.AffinityThreshold = 0.3
	}
	if cfg.StarvationCooldown <= 0 {
		cfg.StarvationCooldown = time.Minute
	}
	return &Pool{agents: agents, cfg: cfg, logger: logging.OrNop(logger), now: time.Now}
}

// Match picks the best available agent for the task. excludeID removes one
// agent from consideration (used by retry_with_different_agent). Selection
// order: highest affinity above threshold, then seniority, then least
// recently used. When no available agent clears the threshold
// ErrNoAgentAvailable is returned and the caller parks the task.
func (p *Pool) Match(ctx context.Context, t *task.Task, excludeID string) (*agent.Agent, error) {
	candidates, err := p.agents.ListByWorkspace(ctx, t.WorkspaceID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	taskWords := keywords(t.Name + " " + t.Description)

	var best *agent.Agent
	var bestScore float64

	for _, a := range candidates {
		if a.ID == excludeID || !a.Available(now) {
			continue
		}
		score := affinity(taskWords, agentWords(a))
		if score < p.cfg.AffinityThreshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && outranks(a, best)) {
			best = a
			bestScore = score
		}
	}

	if best == nil {
		return nil, ErrNoAgentAvailable
	}
	return best, nil
}

// Bind marks the agent as executing the task.
func (p *Pool) Bind(ctx context.Context, agentID, taskID string) error {
	return p.agents.MarkExecuting(ctx, agentID, taskID)
}

// Release returns the agent to the idle set.
func (p *Pool) Release(ctx context.Context, agentID string) error {
	return p.agents.MarkIdle(ctx, agentID)
}

// Rest puts the agent on its starvation cooldown after repeated failures so
// the scheduler rotates to someone else.
func (p *Pool) Rest(ctx context.Context, agentID string) error {
	return p.agents.Cooldown(ctx, agentID, p.now().Add(p.cfg.StarvationCooldown))
}

func outranks(a, b *agent.Agent) bool {
	if a.Seniority.Rank() != b.Seniority.Rank() {
		return a.Seniority.Rank() > b.Seniority.Rank()
	}
	return lessRecentlyUsed(a, b)
}

func lessRecentlyUsed(a, b *agent.Agent) bool {
	switch {
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

// affinity is the Jaccard overlap between two keyword sets.
func affinity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for word := range a {
		if b[word] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func agentWords(a *agent.Agent) map[string]bool {
	words := keywords(a.Role)
	for _, skill := range a.Skills {
		for word := range keywords(skill) {
			words[word] = true
		}
	}
	return words
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "from": true,
	"in": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "with": true,
}

func keywords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) < 2 || stopwords[field] {
			continue
		}
		words[field] = true
	}
	return words
}
