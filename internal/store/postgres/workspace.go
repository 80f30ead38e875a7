package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/workspace"
	"taskforge/internal/store"
)

const workspaceTable = "workspaces"

// WorkspaceStore implements workspace.Store backed by Postgres.
type WorkspaceStore struct {
	pool *pgxpool.Pool
}

var _ workspace.Store = (*WorkspaceStore)(nil)

// NewWorkspaceStore creates a Postgres-backed workspace store.
func NewWorkspaceStore(pool *pgxpool.Pool) *WorkspaceStore {
	return &WorkspaceStore{pool: pool}
}

// EnsureSchema creates the workspaces table and indices if they do not exist.
func (s *WorkspaceStore) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, s.pool, "workspace", []string{
		`CREATE TABLE IF NOT EXISTS ` + workspaceTable + ` (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    goal_text   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'created',
    compliance_score        DOUBLE PRECISION NOT NULL DEFAULT 100,
    recovery_count          INTEGER NOT NULL DEFAULT 0,
    total_recovery_attempts INTEGER NOT NULL DEFAULT 0,
    successful_recoveries   INTEGER NOT NULL DEFAULT 0,
    last_recovery_at        TIMESTAMPTZ,
    trace_id    TEXT NOT NULL DEFAULT '',
    version     BIGINT NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_status
    ON ` + workspaceTable + ` (status, created_at)`,
	})
}

const workspaceColumns = `id, name, goal_text, status, compliance_score,
	recovery_count, total_recovery_attempts, successful_recoveries, last_recovery_at,
	trace_id, version, created_at, updated_at`

func (s *WorkspaceStore) Create(ctx context.Context, ws *workspace.Workspace) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.Version == 0 {
		ws.Version = 1
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+workspaceTable+` (`+workspaceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ws.ID, ws.Name, ws.GoalText, string(ws.Status), ws.ComplianceScore,
		ws.RecoveryCount, ws.TotalRecoveryAttempts, ws.SuccessfulRecoveries, ws.LastRecoveryAt,
		ws.TraceID, ws.Version, ws.CreatedAt, ws.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &store.DuplicateError{ExistingID: ws.ID}
	}
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *WorkspaceStore) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM `+workspaceTable+` WHERE id = $1`, id)
	return scanWorkspace(row)
}

func (s *WorkspaceStore) List(ctx context.Context, limit, offset int) ([]*workspace.Workspace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM `+workspaceTable+`
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	return scanWorkspaces(rows)
}

func (s *WorkspaceStore) ListByStatus(ctx context.Context, statuses ...workspace.Status) ([]*workspace.Workspace, error) {
	// Legacy rows may still carry needs_intervention; match it whenever
	// auto_recovering is requested.
	names := make([]string, 0, len(statuses)+1)
	for _, st := range statuses {
		names = append(names, string(st))
		if workspace.Normalize(st) == workspace.StatusAutoRecovering {
			names = append(names, "needs_intervention")
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM `+workspaceTable+`
		 WHERE status = ANY($1) ORDER BY created_at ASC`, names)
	if err != nil {
		return nil, fmt.Errorf("list workspaces by status: %w", err)
	}
	defer rows.Close()
	return scanWorkspaces(rows)
}

func (s *WorkspaceStore) SetStatus(ctx context.Context, id string, from, to workspace.Status) error {
	from = workspace.Normalize(from)
	if !workspace.CanTransition(from, to) {
		return store.ErrInvalidTransition
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workspaceTable+`
		 SET status = $1, version = version + 1, updated_at = now()
		 WHERE id = $2 AND status = ANY($3)`,
		string(to), id, statusMatchSet(from))
	if err != nil {
		return fmt.Errorf("update workspace status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a stale expected status.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM `+workspaceTable+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check workspace existence: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

// statusMatchSet expands a normalized status into the persisted spellings it
// may have on disk.
func statusMatchSet(st workspace.Status) []string {
	if st == workspace.StatusAutoRecovering {
		return []string{string(st), "needs_intervention"}
	}
	return []string{string(st)}
}

func (s *WorkspaceStore) RecordRecovery(ctx context.Context, id string, success bool) error {
	successInc := 0
	if success {
		successInc = 1
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workspaceTable+` SET
			recovery_count = recovery_count + 1,
			total_recovery_attempts = total_recovery_attempts + 1,
			successful_recoveries = successful_recoveries + $1,
			last_recovery_at = now(),
			updated_at = now()
		 WHERE id = $2`, successInc, id)
	if err != nil {
		return fmt.Errorf("record workspace recovery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *WorkspaceStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+workspaceTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanWorkspace(row pgx.Row) (*workspace.Workspace, error) {
	var ws workspace.Workspace
	var status string
	err := row.Scan(&ws.ID, &ws.Name, &ws.GoalText, &status, &ws.ComplianceScore,
		&ws.RecoveryCount, &ws.TotalRecoveryAttempts, &ws.SuccessfulRecoveries, &ws.LastRecoveryAt,
		&ws.TraceID, &ws.Version, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	ws.Status = workspace.Normalize(workspace.Status(status))
	return &ws, nil
}

func scanWorkspaces(rows pgx.Rows) ([]*workspace.Workspace, error) {
	var result []*workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}
