// Package proposal implements the director flow: decomposing a workspace
// goal into measurable goals, proposing a specialist team, and on approval
// seeding the workspace with agents, goals, and initial tasks.
package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/events"
	"taskforge/internal/ids"
	"taskforge/internal/llm"
	"taskforge/internal/logging"
	"taskforge/internal/queue"
)

var (
	// ErrWorkspaceInactive rejects proposals for terminal workspaces.
	ErrWorkspaceInactive = errors.New("proposal: workspace is not active")

	// ErrProposalNotFound rejects approvals of unknown or expired proposals.
	ErrProposalNotFound = errors.New("proposal: proposal not found")
)

// Completer is the optional model assist for decomposition. When nil the
// deterministic heuristics run alone.
type Completer interface {
	CompleteForWorkspace(ctx context.Context, workspaceID string, req *llm.Request) (*llm.Response, error)
}

// GoalSpec is one proposed measurable goal.
type GoalSpec struct {
	Description string          `json:"description"`
	MetricType  goal.MetricType `json:"metric_type"`
	TargetValue float64         `json:"target_value"`
	Priority    goal.Priority   `json:"priority"`
}

// TeamMember is one proposed agent.
type TeamMember struct {
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Seniority agent.Seniority `json:"seniority"`
	Skills    []string        `json:"skills"`
}

// Proposal is a pending team plan awaiting approval.
type Proposal struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	GoalText    string       `json:"goal_text"`
	Goals       []GoalSpec   `json:"goals"`
	Team        []TeamMember `json:"team"`

	// EstimatedCost is a rough credit estimate for executing the plan.
	EstimatedCost float64 `json:"estimated_cost"`

	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Approval is the outcome of accepting a proposal.
type Approval struct {
	WorkspaceID                string `json:"workspace_id"`
	GoalIDs                    []string
	AgentIDs                   []string
	SeededTasks                int    `json:"seeded_tasks"`
	EstimatedCompletionSeconds int64  `json:"estimated_completion_seconds"`
}

// Config bounds the director.
type Config struct {
	// TeamSize is the target agent count; heuristics may propose one fewer or
	// one more.
	TeamSize int

	// TasksPerGoal is how many initial tasks each goal is seeded with.
	TasksPerGoal int

	// TaskSecondsEstimate feeds the completion estimate.
	TaskSecondsEstimate int64

	Model string
}

// Service is the director.
type Service struct {
	workspaces workspace.Store
	goals      goal.Registry
	agents     agent.Store
	queue      *queue.Service
	completer  Completer
	bus        *events.Bus
	cfg        Config
	logger     logging.Logger

	mu      sync.Mutex
	pending map[string]*Proposal

	now func() time.Time
}

// NewService builds the director.
func NewService(workspaces workspace.Store, goals goal.Registry, agents agent.Store,
	q *queue.Service, completer Completer, bus *events.Bus, cfg Config, logger logging.Logger) *Service {
	if cfg.TeamSize <= 0 {
		cfg.TeamSize = 3
	}
	if cfg.TasksPerGoal <= 0 {
		cfg.TasksPerGoal = 3
	}
	if cfg.TaskSecondsEstimate <= 0 {
		cfg.TaskSecondsEstimate = 120
	}
	return &Service{
		workspaces: workspaces,
		goals:      goals,
		agents:     agents,
		queue:      q,
		completer:  completer,
		bus:        bus,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		pending:    make(map[string]*Proposal),
		now:        time.Now,
	}
}

// Propose decomposes the goal text and drafts a team. The proposal is held
// in memory until approved or superseded.
func (s *Service) Propose(ctx context.Context, workspaceID, goalText, feedback string) (*Proposal, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if workspace.Normalize(ws.Status).IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkspaceInactive, ws.ID, ws.Status)
	}
	if goalText == "" {
		goalText = ws.GoalText
	}
	if goalText == "" {
		return nil, fmt.Errorf("proposal: workspace %s has no goal text", ws.ID)
	}

	p := &Proposal{
		ID:          ids.New(),
		WorkspaceID: ws.ID,
		GoalText:    goalText,
		TraceID:     ids.TraceID(ctx),
		CreatedAt:   s.now().UTC(),
	}

	if s.completer != nil {
		if goals, team, err := s.assist(ctx, ws.ID, goalText, feedback); err == nil {
			p.Goals, p.Team = goals, team
		} else {
			s.logger.Warn("model-assisted decomposition failed, using heuristics: %v", err)
		}
	}
	if len(p.Goals) == 0 {
		p.Goals = decomposeGoalText(goalText)
	}
	if len(p.Team) == 0 {
		p.Team = proposeTeam(goalText, s.cfg.TeamSize)
	}
	p.EstimatedCost = s.estimateCost(p)

	s.mu.Lock()
	s.pending[p.ID] = p
	s.mu.Unlock()
	return p, nil
}

// Approve persists the proposal's goals and agents, seeds initial tasks, and
// activates the workspace.
func (s *Service) Approve(ctx context.Context, workspaceID, proposalID, feedback string) (*Approval, error) {
	s.mu.Lock()
	p := s.pending[proposalID]
	if p != nil && p.WorkspaceID == workspaceID {
		delete(s.pending, proposalID)
	}
	s.mu.Unlock()
	if p == nil || p.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}

	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	approval := &Approval{WorkspaceID: ws.ID}
	for _, member := range p.Team {
		a := &agent.Agent{
			ID:          ids.New(),
			WorkspaceID: ws.ID,
			Name:        member.Name,
			Role:        member.Role,
			Seniority:   member.Seniority,
			Skills:      member.Skills,
			Status:      agent.StatusIdle,
			TraceID:     p.TraceID,
		}
		if err := s.agents.Create(ctx, a); err != nil {
			return nil, fmt.Errorf("create agent %q: %w", member.Name, err)
		}
		approval.AgentIDs = append(approval.AgentIDs, a.ID)
	}

	for _, spec := range p.Goals {
		g := &goal.Goal{
			ID:          ids.New(),
			WorkspaceID: ws.ID,
			Description: spec.Description,
			MetricType:  spec.MetricType,
			TargetValue: spec.TargetValue,
			Status:      goal.StatusActive,
			Priority:    spec.Priority,
			TraceID:     p.TraceID,
		}
		if err := s.goals.Create(ctx, g); err != nil {
			return nil, fmt.Errorf("create goal %q: %w", spec.Description, err)
		}
		approval.GoalIDs = append(approval.GoalIDs, g.ID)

		seeded, err := s.seedTasks(ctx, g, feedback)
		if err != nil {
			return nil, err
		}
		approval.SeededTasks += seeded
	}

	if workspace.Normalize(ws.Status) == workspace.StatusCreated {
		if err := s.workspaces.SetStatus(ctx, ws.ID, ws.Status, workspace.StatusActive); err != nil {
			return nil, fmt.Errorf("activate workspace %s: %w", ws.ID, err)
		}
		if s.bus != nil {
			_ = s.bus.Publish(&events.Event{
				Type:        events.WorkspaceStateChanged,
				WorkspaceID: ws.ID,
				EntityID:    ws.ID,
				TraceID:     p.TraceID,
				Payload: map[string]any{
					"from": string(workspace.StatusCreated),
					"to":   string(workspace.StatusActive),
				},
			})
		}
	}

	approval.EstimatedCompletionSeconds = int64(approval.SeededTasks) * s.cfg.TaskSecondsEstimate
	return approval, nil
}

// Get returns a pending proposal.
func (s *Service) Get(proposalID string) (*Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[proposalID]
	return p, ok
}

func (s *Service) seedTasks(ctx context.Context, g *goal.Goal, feedback string) (int, error) {
	per := s.cfg.TasksPerGoal
	contribution := g.TargetValue / float64(per)

	seeded := 0
	for i := 1; i <= per; i++ {
		desc := fmt.Sprintf("Part %d of %d toward: %s", i, per, g.Description)
		if feedback != "" {
			desc += "\nOperator guidance: " + feedback
		}
		if _, err := s.queue.Enqueue(ctx, queue.Spec{
			WorkspaceID:  g.WorkspaceID,
			GoalID:       g.ID,
			Name:         fmt.Sprintf("%s (part %d)", firstWords(g.Description, 6), i),
			Description:  desc,
			Contribution: contribution,
		}); err != nil {
			return seeded, fmt.Errorf("seed task for goal %s: %w", g.ID, err)
		}
		seeded++
	}
	return seeded, nil
}

func (s *Service) estimateCost(p *Proposal) float64 {
	tasks := len(p.Goals) * s.cfg.TasksPerGoal
	// Rough credits: one unit per seeded task plus overhead per team member.
	return float64(tasks) + 0.5*float64(len(p.Team))
}

// assist asks the model for a decomposition and repairs its JSON before
// trusting it.
func (s *Service) assist(ctx context.Context, workspaceID, goalText, feedback string) ([]GoalSpec, []TeamMember, error) {
	prompt := fmt.Sprintf(`Decompose this objective into measurable goals and propose a team.
Objective: %s
Operator feedback: %s

Respond with a single JSON object:
{"goals":[{"description":"...","metric_type":"count|ratio|timeline|text_quality|custom","target_value":10,"priority":"low|medium|high|critical"}],
 "team":[{"name":"...","role":"...","seniority":"junior|senior|expert","skills":["..."]}]}`, goalText, feedback)

	resp, err := s.completer.CompleteForWorkspace(ctx, workspaceID, &llm.Request{
		Model: s.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a delivery director planning autonomous agent work. Answer with JSON only."},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	raw := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(raw, "```") {
		if nl := strings.IndexByte(raw, '\n'); nl >= 0 {
			raw = raw[nl+1:]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("repair decomposition JSON: %w", err)
	}
	var parsed struct {
		Goals []GoalSpec   `json:"goals"`
		Team  []TeamMember `json:"team"`
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, nil, fmt.Errorf("parse decomposition: %w", err)
	}
	for i := range parsed.Goals {
		if parsed.Goals[i].TargetValue <= 0 {
			parsed.Goals[i].TargetValue = 10
		}
		if parsed.Goals[i].MetricType == "" {
			parsed.Goals[i].MetricType = goal.MetricCount
		}
		if parsed.Goals[i].Priority == "" {
			parsed.Goals[i].Priority = goal.PriorityMedium
		}
	}
	return parsed.Goals, parsed.Team, nil
}

var (
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	// countPattern accepts both "100 leads" and hyphenated forms like
	// "3-email sequence".
	countPattern  = regexp.MustCompile(`(\d+)[-\s]+([A-Za-z][A-Za-z0-9-]*)`)
	deadlineHints = []string{"by ", "deadline", "within ", "before "}
)

// decomposeGoalText is the deterministic fallback: numeric phrases become
// count goals, percentages become ratio goals, deadline phrasing adds a
// timeline goal.
func decomposeGoalText(text string) []GoalSpec {
	var specs []GoalSpec

	if m := percentPattern.FindStringSubmatch(text); m != nil {
		pct, _ := strconv.ParseFloat(m[1], 64)
		specs = append(specs, GoalSpec{
			Description: fmt.Sprintf("Reach %s%% on: %s", m[1], firstWords(text, 12)),
			MetricType:  goal.MetricRatio,
			TargetValue: pct / 100,
			Priority:    goal.PriorityHigh,
		})
	}
	for _, m := range countPattern.FindAllStringSubmatch(text, 2) {
		n, _ := strconv.ParseFloat(m[1], 64)
		if n <= 0 {
			continue
		}
		specs = append(specs, GoalSpec{
			Description: fmt.Sprintf("Deliver %s %s", m[1], m[2]),
			MetricType:  goal.MetricCount,
			TargetValue: n,
			Priority:    goal.PriorityMedium,
		})
	}
	lower := strings.ToLower(text)
	for _, hint := range deadlineHints {
		if strings.Contains(lower, hint) {
			specs = append(specs, GoalSpec{
				Description: "Hit the stated deadline for: " + firstWords(text, 12),
				MetricType:  goal.MetricTimeline,
				TargetValue: 1,
				Priority:    goal.PriorityHigh,
			})
			break
		}
	}

	if len(specs) == 0 {
		specs = append(specs, GoalSpec{
			Description: firstWords(text, 20),
			MetricType:  goal.MetricCount,
			TargetValue: 10,
			Priority:    goal.PriorityMedium,
		})
	}
	return specs
}

type roleHint struct {
	keywords []string
	role     string
	skills   []string
}

var roleHints = []roleHint{
	{[]string{"research", "market", "data", "analyze", "analysis", "find"}, "research analyst", []string{"research", "data analysis"}},
	{[]string{"write", "report", "content", "draft", "article", "summary"}, "content writer", []string{"writing", "editing"}},
	{[]string{"code", "build", "implement", "api", "software", "script"}, "software engineer", []string{"coding", "automation"}},
	{[]string{"sell", "lead", "outreach", "customer", "sales"}, "sales specialist", []string{"outreach", "qualification"}},
}

// proposeTeam drafts a team from the goal vocabulary: one expert lead in the
// dominant discipline, supporting seniors, and a reviewer.
func proposeTeam(text string, size int) []TeamMember {
	lower := strings.ToLower(text)

	var team []TeamMember
	for _, hint := range roleHints {
		for _, kw := range hint.keywords {
			if strings.Contains(lower, kw) {
				team = append(team, TeamMember{
					Name:      hint.role + " " + strconv.Itoa(len(team)+1),
					Role:      hint.role,
					Seniority: agent.SenioritySenior,
					Skills:    hint.skills,
				})
				break
			}
		}
		if len(team) >= size-1 {
			break
		}
	}
	if len(team) == 0 {
		team = append(team, TeamMember{
			Name: "generalist 1", Role: "generalist",
			Seniority: agent.SenioritySenior, Skills: []string{"research", "writing"},
		})
	}
	team[0].Seniority = agent.SeniorityExpert
	team = append(team, TeamMember{
		Name: "reviewer", Role: "quality reviewer",
		Seniority: agent.SenioritySenior, Skills: []string{"review", "quality"},
	})
	return team
}

func firstWords(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
