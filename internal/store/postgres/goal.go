package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/goal"
	"taskforge/internal/store"
)

const goalTable = "workspace_goals"

// GoalRegistry implements goal.Registry backed by Postgres.
type GoalRegistry struct {
	pool *pgxpool.Pool
}

var _ goal.Registry = (*GoalRegistry)(nil)

// NewGoalRegistry creates a Postgres-backed goal registry.
func NewGoalRegistry(pool *pgxpool.Pool) *GoalRegistry {
	return &GoalRegistry{pool: pool}
}

// EnsureSchema creates the goals table and indices if they do not exist.
func (r *GoalRegistry) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, r.pool, "goal", []string{
		`CREATE TABLE IF NOT EXISTS ` + goalTable + ` (
    id            TEXT PRIMARY KEY,
    workspace_id  TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    description   TEXT NOT NULL,
    metric_type   TEXT NOT NULL DEFAULT 'count',
    target_value  DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    reported_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'pending',
    priority      TEXT NOT NULL DEFAULT 'medium',
    trace_id      TEXT NOT NULL DEFAULT '',
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_workspace
    ON ` + goalTable + ` (workspace_id, status)`,
	})
}

const goalColumns = `id, workspace_id, description, metric_type, target_value,
	current_value, reported_progress, status, priority, trace_id, version, created_at, updated_at`

func (r *GoalRegistry) Create(ctx context.Context, g *goal.Goal) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Version == 0 {
		g.Version = 1
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+goalTable+` (`+goalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.WorkspaceID, g.Description, string(g.MetricType), g.TargetValue,
		g.CurrentValue, g.ReportedProgress, string(g.Status), string(g.Priority),
		g.TraceID, g.Version, g.CreatedAt, g.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &store.DuplicateError{ExistingID: g.ID}
	}
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (r *GoalRegistry) Get(ctx context.Context, id string) (*goal.Goal, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+goalColumns+` FROM `+goalTable+` WHERE id = $1`, id)
	return scanGoal(row)
}

func (r *GoalRegistry) ListByWorkspace(ctx context.Context, workspaceID string) ([]*goal.Goal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+goalColumns+` FROM `+goalTable+`
		 WHERE workspace_id = $1 ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var result []*goal.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (r *GoalRegistry) Advance(ctx context.Context, id string, delta float64) (*goal.Goal, error) {
	if delta < 0 {
		return nil, fmt.Errorf("goal advance: negative delta %v (use Rollback)", delta)
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE `+goalTable+` SET
			current_value = current_value + $1,
			version = version + 1,
			updated_at = now()
		 WHERE id = $2
		 RETURNING `+goalColumns, delta, id)
	return scanGoal(row)
}

func (r *GoalRegistry) Rollback(ctx context.Context, id string, newValue float64) (*goal.Goal, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE `+goalTable+` SET
			current_value = $1,
			version = version + 1,
			updated_at = now()
		 WHERE id = $2
		 RETURNING `+goalColumns, newValue, id)
	return scanGoal(row)
}

func (r *GoalRegistry) ReportProgress(ctx context.Context, id string, pct float64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+goalTable+` SET reported_progress = $1, updated_at = now() WHERE id = $2`,
		pct, id)
	if err != nil {
		return fmt.Errorf("report goal progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *GoalRegistry) SetStatus(ctx context.Context, id string, status goal.Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+goalTable+` SET status = $1, version = version + 1, updated_at = now() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("update goal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanGoal(row pgx.Row) (*goal.Goal, error) {
	var g goal.Goal
	var metric, status, priority string
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.Description, &metric, &g.TargetValue,
		&g.CurrentValue, &g.ReportedProgress, &status, &priority,
		&g.TraceID, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	g.MetricType = goal.MetricType(metric)
	g.Status = goal.Status(status)
	g.Priority = goal.Priority(priority)
	return &g, nil
}
