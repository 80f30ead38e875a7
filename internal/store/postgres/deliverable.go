package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/store"
)

const deliverableTable = "deliverables"

// DeliverableStore implements deliverable.Store backed by Postgres.
type DeliverableStore struct {
	pool *pgxpool.Pool
}

var _ deliverable.Store = (*DeliverableStore)(nil)

// NewDeliverableStore creates a Postgres-backed deliverable store.
func NewDeliverableStore(pool *pgxpool.Pool) *DeliverableStore {
	return &DeliverableStore{pool: pool}
}

// EnsureSchema creates the deliverables table and indices if they do not
// exist. The (workspace_id, goal_id, title) unique index enforces slot
// uniqueness for create-or-append aggregation.
func (s *DeliverableStore) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, s.pool, "deliverable", []string{
		`CREATE TABLE IF NOT EXISTS ` + deliverableTable + ` (
    id            TEXT PRIMARY KEY,
    workspace_id  TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    goal_id       TEXT NOT NULL REFERENCES ` + goalTable + `(id) ON DELETE CASCADE,
    title         TEXT NOT NULL,
    content       JSONB NOT NULL DEFAULT '{}',
    display_content          TEXT NOT NULL DEFAULT '',
    display_format           TEXT NOT NULL DEFAULT 'markdown',
    display_quality_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
    transformation_status    TEXT NOT NULL DEFAULT 'pending',
    transformation_timestamp TIMESTAMPTZ,
    status              TEXT NOT NULL DEFAULT 'draft',
    business_value_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    contributing_tasks  TEXT[] NOT NULL DEFAULT '{}',
    contributed_value   DOUBLE PRECISION NOT NULL DEFAULT 0,
    source_insight_ids  TEXT[] NOT NULL DEFAULT '{}',
    trace_id      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliverables_slot
    ON ` + deliverableTable + ` (workspace_id, goal_id, title)`,
		`CREATE INDEX IF NOT EXISTS idx_deliverables_workspace
    ON ` + deliverableTable + ` (workspace_id, status)`,
	})
}

const deliverableColumns = `id, workspace_id, goal_id, title, content,
	display_content, display_format, display_quality_score, transformation_status,
	transformation_timestamp, status, business_value_score, contributing_tasks,
	contributed_value, source_insight_ids, trace_id, created_at, updated_at`

func (s *DeliverableStore) Create(ctx context.Context, d *deliverable.Deliverable) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = deliverable.StatusDraft
	}
	if d.TransformationStatus == "" {
		d.TransformationStatus = deliverable.TransformPending
	}
	if len(d.Content) == 0 {
		d.Content = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+deliverableTable+` (`+deliverableColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, d.WorkspaceID, d.GoalID, d.Title, []byte(d.Content),
		d.DisplayContent, string(d.DisplayFormat), d.DisplayQualityScore, string(d.TransformationStatus),
		d.TransformationTimestamp, string(d.Status), d.BusinessValueScore, d.ContributingTasks,
		d.ContributedValue, d.SourceInsightIDs, d.TraceID, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		var existingID string
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT id FROM `+deliverableTable+`
			 WHERE workspace_id = $1 AND goal_id = $2 AND title = $3`,
			d.WorkspaceID, d.GoalID, d.Title).Scan(&existingID)
		if lookupErr != nil {
			return store.ErrDuplicate
		}
		return &store.DuplicateError{ExistingID: existingID}
	}
	if err != nil {
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

func (s *DeliverableStore) Get(ctx context.Context, id string) (*deliverable.Deliverable, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliverableColumns+` FROM `+deliverableTable+` WHERE id = $1`, id)
	return scanDeliverable(row)
}

func (s *DeliverableStore) GetBySlot(ctx context.Context, workspaceID, goalID, title string) (*deliverable.Deliverable, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliverableColumns+` FROM `+deliverableTable+`
		 WHERE workspace_id = $1 AND goal_id = $2 AND title = $3`, workspaceID, goalID, title)
	return scanDeliverable(row)
}

func (s *DeliverableStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*deliverable.Deliverable, error) {
	return s.list(ctx,
		`SELECT `+deliverableColumns+` FROM `+deliverableTable+`
		 WHERE workspace_id = $1 ORDER BY created_at ASC`, workspaceID)
}

func (s *DeliverableStore) ListByGoal(ctx context.Context, goalID string) ([]*deliverable.Deliverable, error) {
	return s.list(ctx,
		`SELECT `+deliverableColumns+` FROM `+deliverableTable+`
		 WHERE goal_id = $1 ORDER BY created_at ASC`, goalID)
}

func (s *DeliverableStore) Update(ctx context.Context, d *deliverable.Deliverable) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+deliverableTable+` SET
			title = $1, content = $2, status = $3, business_value_score = $4,
			contributing_tasks = $5, contributed_value = $6, source_insight_ids = $7,
			updated_at = $8
		 WHERE id = $9`,
		d.Title, []byte(d.Content), string(d.Status), d.BusinessValueScore,
		d.ContributingTasks, d.ContributedValue, d.SourceInsightIDs,
		d.UpdatedAt, d.ID)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("update deliverable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DeliverableStore) SetStatus(ctx context.Context, id string, status deliverable.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+deliverableTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("update deliverable status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DeliverableStore) SetDisplay(ctx context.Context, id string, content string, format deliverable.DisplayFormat,
	quality float64, status deliverable.TransformationStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+deliverableTable+` SET
			display_content = $1, display_format = $2, display_quality_score = $3,
			transformation_status = $4, transformation_timestamp = $5, updated_at = now()
		 WHERE id = $6`,
		content, string(format), quality, string(status), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("set deliverable display: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DeliverableStore) list(ctx context.Context, query string, args ...any) ([]*deliverable.Deliverable, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var result []*deliverable.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func scanDeliverable(row pgx.Row) (*deliverable.Deliverable, error) {
	var d deliverable.Deliverable
	var content []byte
	var format, transform, status string
	err := row.Scan(&d.ID, &d.WorkspaceID, &d.GoalID, &d.Title, &content,
		&d.DisplayContent, &format, &d.DisplayQualityScore, &transform,
		&d.TransformationTimestamp, &status, &d.BusinessValueScore, &d.ContributingTasks,
		&d.ContributedValue, &d.SourceInsightIDs, &d.TraceID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	d.Content = json.RawMessage(content)
	d.DisplayFormat = deliverable.DisplayFormat(format)
	d.TransformationStatus = deliverable.TransformationStatus(transform)
	d.Status = deliverable.Status(status)
	return &d, nil
}
