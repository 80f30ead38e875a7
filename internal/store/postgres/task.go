package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/task"
	"taskforge/internal/store"
)

const taskTable = "tasks"

// TaskStore implements task.Store backed by Postgres.
type TaskStore struct {
	pool *pgxpool.Pool
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore creates a Postgres-backed task store.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// EnsureSchema creates the tasks table and indices if they do not exist. The
// (workspace_id, semantic_hash) unique index carries the dedup guarantee.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, s.pool, "task", []string{
		`CREATE TABLE IF NOT EXISTS ` + taskTable + ` (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    goal_id        TEXT NOT NULL REFERENCES ` + goalTable + `(id) ON DELETE CASCADE,
    agent_id       TEXT,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    priority_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_flag   TEXT NOT NULL DEFAULT '',
    contribution   DOUBLE PRECISION NOT NULL DEFAULT 0,
    recovery_count    INTEGER NOT NULL DEFAULT 0,
    last_failure_type TEXT NOT NULL DEFAULT '',
    last_agent_id     TEXT NOT NULL DEFAULT '',
    last_failure_agent_id TEXT NOT NULL DEFAULT '',
    same_agent_failures   INTEGER NOT NULL DEFAULT 0,
    cooldown_until    TIMESTAMPTZ,
    semantic_hash  TEXT NOT NULL,
    output         JSONB,
    trace_id       TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_semantic_hash
    ON ` + taskTable + ` (workspace_id, semantic_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready
    ON ` + taskTable + ` (workspace_id, status, priority_score DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_goal
    ON ` + taskTable + ` (goal_id, status)`,
	})
}

const taskColumns = `id, workspace_id, goal_id, agent_id, name, description, status,
	priority_score, quality_flag, contribution, recovery_count, last_failure_type,
	last_agent_id, last_failure_agent_id, same_agent_failures, cooldown_until,
	semantic_hash, trace_id, created_at, updated_at`

func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	if t.SemanticHash == "" {
		t.FillSemanticHash()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+taskTable+` (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.WorkspaceID, t.GoalID, nullable(t.AgentID), t.Name, t.Description, string(t.Status),
		t.PriorityScore, string(t.QualityFlag), t.Contribution, t.RecoveryCount, t.LastFailureType,
		t.LastAgentID, t.LastFailureAgentID, t.SameAgentFailures, t.CooldownUntil,
		t.SemanticHash, t.TraceID, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		var existingID string
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT id FROM `+taskTable+` WHERE workspace_id = $1 AND semantic_hash = $2`,
			t.WorkspaceID, t.SemanticHash).Scan(&existingID)
		if lookupErr != nil {
			return store.ErrDuplicate
		}
		return &store.DuplicateError{ExistingID: existingID}
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM `+taskTable+` WHERE id = $1`, id)
	return scanTask(row)
}

func (s *TaskStore) GetBySemanticHash(ctx context.Context, workspaceID, hash string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM `+taskTable+`
		 WHERE workspace_id = $1 AND semantic_hash = $2`, workspaceID, hash)
	return scanTask(row)
}

func (s *TaskStore) ListByWorkspace(ctx context.Context, workspaceID string, statuses ...task.Status) ([]*task.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM `+taskTable+`
		 WHERE workspace_id = $1 AND ($2::text[] = '{}' OR status = ANY($2))
		 ORDER BY created_at ASC`, workspaceID, statusNames(statuses))
}

func (s *TaskStore) ListByGoal(ctx context.Context, goalID string, statuses ...task.Status) ([]*task.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM `+taskTable+`
		 WHERE goal_id = $1 AND ($2::text[] = '{}' OR status = ANY($2))
		 ORDER BY created_at ASC`, goalID, statusNames(statuses))
}

func (s *TaskStore) ListReady(ctx context.Context, workspaceID string, now time.Time, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM `+taskTable+`
		 WHERE workspace_id = $1 AND status = 'ready'
		   AND (cooldown_until IS NULL OR cooldown_until <= $2)
		 ORDER BY priority_score DESC, created_at ASC
		 LIMIT $3`, workspaceID, now.UTC(), limit)
}

func (s *TaskStore) CountByWorkspace(ctx context.Context, workspaceID string, statuses ...task.Status) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+taskTable+`
		 WHERE workspace_id = $1 AND ($2::text[] = '{}' OR status = ANY($2))`,
		workspaceID, statusNames(statuses)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func (s *TaskStore) SetStatus(ctx context.Context, id string, status task.Status) error {
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id)
}

func (s *TaskStore) AssignAgent(ctx context.Context, id, agentID string) error {
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET agent_id = $1, last_agent_id = $1, updated_at = now() WHERE id = $2`,
		agentID, id)
}

func (s *TaskStore) SetPriority(ctx context.Context, id string, score float64) error {
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET priority_score = $1, updated_at = now() WHERE id = $2`,
		score, id)
}

func (s *TaskStore) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET cooldown_until = $1, updated_at = now() WHERE id = $2`,
		until, id)
}

func (s *TaskStore) RecordFailure(ctx context.Context, id string, failureType string) error {
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET
			recovery_count = recovery_count + 1,
			last_failure_type = $1,
			same_agent_failures = CASE
				WHEN agent_id IS NOT NULL AND agent_id = last_failure_agent_id
				THEN same_agent_failures + 1 ELSE 1 END,
			last_failure_agent_id = COALESCE(agent_id, ''),
			updated_at = now()
		 WHERE id = $2`, failureType, id)
}

func (s *TaskStore) SetQualityFlag(ctx context.Context, id string, flag task.QualityFlag) error {
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET quality_flag = $1, updated_at = now() WHERE id = $2`,
		string(flag), id)
}

func (s *TaskStore) SaveOutput(ctx context.Context, id string, out *task.Output) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal task output: %w", err)
	}
	return s.exec(ctx,
		`UPDATE `+taskTable+` SET output = $1, updated_at = now() WHERE id = $2`, raw, id)
}

func (s *TaskStore) GetOutput(ctx context.Context, id string) (*task.Output, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT output FROM `+taskTable+` WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	var out task.Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal task output: %w", err)
	}
	return &out, nil
}

func (s *TaskStore) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var result []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *TaskStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func statusNames(statuses []task.Status) []string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return names
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var status, quality string
	var agentID *string
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.GoalID, &agentID, &t.Name, &t.Description, &status,
		&t.PriorityScore, &quality, &t.Contribution, &t.RecoveryCount, &t.LastFailureType,
		&t.LastAgentID, &t.LastFailureAgentID, &t.SameAgentFailures, &t.CooldownUntil,
		&t.SemanticHash, &t.TraceID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	t.Status = task.Status(status)
	t.QualityFlag = task.QualityFlag(quality)
	if agentID != nil {
		t.AgentID = *agentID
	}
	return &t, nil
}
