package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/insight"
	"taskforge/internal/store"
)

const insightTable = "workspace_insights"

// InsightStore implements insight.Store backed by Postgres.
type InsightStore struct {
	pool *pgxpool.Pool
}

var _ insight.Store = (*InsightStore)(nil)

// NewInsightStore creates a Postgres-backed insight store.
func NewInsightStore(pool *pgxpool.Pool) *InsightStore {
	return &InsightStore{pool: pool}
}

// EnsureSchema creates the insights table and indices if they do not exist.
func (s *InsightStore) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, s.pool, "insight", []string{
		`CREATE TABLE IF NOT EXISTS ` + insightTable + ` (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    kind           TEXT NOT NULL,
    content        TEXT NOT NULL,
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
    business_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    tags           TEXT[] NOT NULL DEFAULT '{}',
    source_task_id TEXT NOT NULL DEFAULT '',
    trace_id       TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_workspace
    ON ` + insightTable + ` (workspace_id, created_at)`,
	})
}

const insightColumns = `id, workspace_id, kind, content, confidence,
	business_value, tags, source_task_id, trace_id, created_at`

func (s *InsightStore) Insert(ctx context.Context, in *insight.Insight) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+insightTable+` (`+insightColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.WorkspaceID, string(in.Kind), in.Content, in.Confidence,
		in.BusinessValue, in.Tags, in.SourceTaskID, in.TraceID, in.CreatedAt,
	)
	if isUniqueViolation(err) {
		return &store.DuplicateError{ExistingID: in.ID}
	}
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

func (s *InsightStore) Get(ctx context.Context, id string) (*insight.Insight, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM `+insightTable+` WHERE id = $1`, id)
	return scanInsight(row)
}

func (s *InsightStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*insight.Insight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+insightColumns+` FROM `+insightTable+`
		 WHERE workspace_id = $1 ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var result []*insight.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func (s *InsightStore) CountByWorkspace(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+insightTable+` WHERE workspace_id = $1`, workspaceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count insights: %w", err)
	}
	return count, nil
}

func (s *InsightStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+insightTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete insight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanInsight(row pgx.Row) (*insight.Insight, error) {
	var in insight.Insight
	var kind string
	err := row.Scan(&in.ID, &in.WorkspaceID, &kind, &in.Content, &in.Confidence,
		&in.BusinessValue, &in.Tags, &in.SourceTaskID, &in.TraceID, &in.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	in.Kind = insight.Kind(kind)
	return &in, nil
}
