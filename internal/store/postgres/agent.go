package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/agent"
	"taskforge/internal/store"
)

const agentTable = "agents"

// AgentStore implements agent.Store backed by Postgres.
type AgentStore struct {
	pool *pgxpool.Pool
}

var _ agent.Store = (*AgentStore)(nil)

// NewAgentStore creates a Postgres-backed agent store.
func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

// EnsureSchema creates the agents table and indices if they do not exist.
func (s *AgentStore) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, s.pool, "agent", []string{
		`CREATE TABLE IF NOT EXISTS ` + agentTable + ` (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    name           TEXT NOT NULL,
    role           TEXT NOT NULL,
    seniority      TEXT NOT NULL DEFAULT 'junior',
    skills         TEXT[] NOT NULL DEFAULT '{}',
    status         TEXT NOT NULL DEFAULT 'idle',
    current_task_id TEXT,
    cooldown_until TIMESTAMPTZ,
    last_used_at   TIMESTAMPTZ,
    trace_id       TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_workspace
    ON ` + agentTable + ` (workspace_id, status)`,
	})
}

const agentColumns = `id, workspace_id, name, role, seniority, skills, status,
	current_task_id, cooldown_until, last_used_at, trace_id, created_at, updated_at`

func (s *AgentStore) Create(ctx context.Context, a *agent.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = agent.StatusIdle
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+agentTable+` (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.WorkspaceID, a.Name, a.Role, string(a.Seniority), a.Skills, string(a.Status),
		nullable(a.CurrentTaskID), a.CooldownUntil, a.LastUsedAt, a.TraceID, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &store.DuplicateError{ExistingID: a.ID}
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM `+agentTable+` WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *AgentStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM `+agentTable+`
		 WHERE workspace_id = $1 ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// MarkExecuting binds the agent to a task. The WHERE clause enforces the
// exclusive binding: only idle agents and agents whose cooldown has elapsed
// qualify.
func (s *AgentStore) MarkExecuting(ctx context.Context, id, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+agentTable+` SET
			status = 'executing', current_task_id = $1, cooldown_until = NULL,
			last_used_at = now(), updated_at = now()
		 WHERE id = $2 AND (
			status = 'idle' OR
			(status = 'cooling_down' AND cooldown_until IS NOT NULL AND cooldown_until <= now())
		 )`, taskID, id)
	if err != nil {
		return fmt.Errorf("mark agent executing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM `+agentTable+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check agent existence: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return fmt.Errorf("agent %s not available: %w", id, store.ErrConflict)
	}
	return nil
}

func (s *AgentStore) MarkIdle(ctx context.Context, id string) error {
	return s.setState(ctx, id,
		`status = 'idle', current_task_id = NULL, cooldown_until = NULL, updated_at = now()`)
}

func (s *AgentStore) Cooldown(ctx context.Context, id string, until time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+agentTable+` SET
			status = 'cooling_down', current_task_id = NULL, cooldown_until = $1, updated_at = now()
		 WHERE id = $2`, until.UTC(), id)
	if err != nil {
		return fmt.Errorf("cooldown agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AgentStore) Disable(ctx context.Context, id string) error {
	return s.setState(ctx, id,
		`status = 'disabled', current_task_id = NULL, updated_at = now()`)
}

func (s *AgentStore) setState(ctx context.Context, id, setClause string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+agentTable+` SET `+setClause+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var a agent.Agent
	var seniority, status string
	var currentTask *string
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Role, &seniority, &a.Skills, &status,
		&currentTask, &a.CooldownUntil, &a.LastUsedAt, &a.TraceID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	a.Seniority = agent.Seniority(seniority)
	a.Status = agent.Status(status)
	if currentTask != nil {
		a.CurrentTaskID = *currentTask
	}
	return &a, nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
