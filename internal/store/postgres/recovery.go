package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskforge/internal/domain/recovery"
	taskerrors "taskforge/internal/errors"
	"taskforge/internal/store"
)

const (
	attemptTable     = "recovery_attempts"
	patternTable     = "failure_patterns"
	explanationTable = "recovery_explanations"
)

// RecoveryStore implements recovery.Store backed by Postgres.
type RecoveryStore struct {
	pool *pgxpool.Pool
}

var _ recovery.Store = (*RecoveryStore)(nil)

// NewRecoveryStore creates a Postgres-backed recovery audit store.
func NewRecoveryStore(pool *pgxpool.Pool) *RecoveryStore {
	return &RecoveryStore{pool: pool}
}

// EnsureSchema creates the recovery audit tables if they do not exist.
func (s *RecoveryStore) EnsureSchema(ctx context.Context) error {
	return execSchema(ctx, s.pool, "recovery", []string{
		`CREATE TABLE IF NOT EXISTS ` + attemptTable + ` (
    id             TEXT PRIMARY KEY,
    task_id        TEXT NOT NULL,
    workspace_id   TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    strategy       TEXT NOT NULL,
    attempt_number INTEGER NOT NULL DEFAULT 1,
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
    reasoning      TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at   TIMESTAMPTZ,
    success        BOOLEAN,
    trace_id       TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_attempts_task
    ON ` + attemptTable + ` (task_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_attempts_workspace
    ON ` + attemptTable + ` (workspace_id, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + patternTable + ` (
    workspace_id     TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    signature        TEXT NOT NULL,
    kind             TEXT NOT NULL,
    sample_message   TEXT NOT NULL DEFAULT '',
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    first_seen_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (workspace_id, signature)
)`,
		`CREATE TABLE IF NOT EXISTS ` + explanationTable + ` (
    id            TEXT PRIMARY KEY,
    attempt_id    TEXT NOT NULL,
    workspace_id  TEXT NOT NULL REFERENCES ` + workspaceTable + `(id) ON DELETE CASCADE,
    task_id       TEXT NOT NULL,
    summary       TEXT NOT NULL,
    root_cause    TEXT NOT NULL DEFAULT '',
    decision      TEXT NOT NULL DEFAULT '',
    user_action_required BOOLEAN NOT NULL DEFAULT FALSE,
    severity      TEXT NOT NULL DEFAULT 'low',
    acknowledged  BOOLEAN NOT NULL DEFAULT FALSE,
    trace_id      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_explanations_workspace
    ON ` + explanationTable + ` (workspace_id, acknowledged, created_at DESC)`,
	})
}

func (s *RecoveryStore) RecordAttempt(ctx context.Context, a *recovery.Attempt) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+attemptTable+`
		 (id, task_id, workspace_id, strategy, attempt_number, confidence, reasoning, started_at, completed_at, success, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.TaskID, a.WorkspaceID, string(a.Strategy), a.AttemptNumber, a.Confidence,
		a.Reasoning, a.StartedAt, a.CompletedAt, a.Success, a.TraceID,
	)
	if isUniqueViolation(err) {
		return &store.DuplicateError{ExistingID: a.ID}
	}
	if err != nil {
		return fmt.Errorf("insert recovery attempt: %w", err)
	}
	return nil
}

func (s *RecoveryStore) CloseAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+attemptTable+` SET completed_at = $1, success = $2 WHERE id = $3`,
		at.UTC(), success, id)
	if err != nil {
		return fmt.Errorf("close recovery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const attemptColumns = `id, task_id, workspace_id, strategy, attempt_number,
	confidence, reasoning, started_at, completed_at, success, trace_id`

func (s *RecoveryStore) ListAttemptsByTask(ctx context.Context, taskID string) ([]*recovery.Attempt, error) {
	return s.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM `+attemptTable+`
		 WHERE task_id = $1 ORDER BY started_at ASC`, taskID)
}

func (s *RecoveryStore) ListAttemptsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*recovery.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM `+attemptTable+`
		 WHERE workspace_id = $1 ORDER BY started_at DESC LIMIT $2`, workspaceID, limit)
}

func (s *RecoveryStore) listAttempts(ctx context.Context, query string, args ...any) ([]*recovery.Attempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recovery attempts: %w", err)
	}
	defer rows.Close()

	var result []*recovery.Attempt
	for rows.Next() {
		var a recovery.Attempt
		var strategy string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.WorkspaceID, &strategy, &a.AttemptNumber,
			&a.Confidence, &a.Reasoning, &a.StartedAt, &a.CompletedAt, &a.Success, &a.TraceID); err != nil {
			return nil, err
		}
		a.Strategy = recovery.Strategy(strategy)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *RecoveryStore) UpsertPattern(ctx context.Context, p *recovery.Pattern) (*recovery.Pattern, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+patternTable+`
		 (workspace_id, signature, kind, sample_message, occurrence_count, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, 1, now(), now())
		 ON CONFLICT (workspace_id, signature) DO UPDATE SET
			occurrence_count = `+patternTable+`.occurrence_count + 1,
			sample_message = COALESCE(NULLIF(EXCLUDED.sample_message, ''), `+patternTable+`.sample_message),
			last_seen_at = now()
		 RETURNING workspace_id, signature, kind, sample_message, occurrence_count, first_seen_at, last_seen_at`,
		p.WorkspaceID, p.Signature, string(p.Kind), p.SampleMessage)
	return scanPattern(row)
}

func (s *RecoveryStore) GetPattern(ctx context.Context, workspaceID, signature string) (*recovery.Pattern, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT workspace_id, signature, kind, sample_message, occurrence_count, first_seen_at, last_seen_at
		 FROM `+patternTable+` WHERE workspace_id = $1 AND signature = $2`, workspaceID, signature)
	return scanPattern(row)
}

func scanPattern(row pgx.Row) (*recovery.Pattern, error) {
	var p recovery.Pattern
	var kind string
	err := row.Scan(&p.WorkspaceID, &p.Signature, &kind, &p.SampleMessage,
		&p.OccurrenceCount, &p.FirstSeenAt, &p.LastSeenAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	p.Kind = taskerrors.FailureKind(kind)
	return &p, nil
}

func (s *RecoveryStore) RecordExplanation(ctx context.Context, e *recovery.Explanation) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+explanationTable+`
		 (id, attempt_id, workspace_id, task_id, summary, root_cause, decision,
		  user_action_required, severity, acknowledged, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.AttemptID, e.WorkspaceID, e.TaskID, e.Summary, e.RootCause, e.Decision,
		e.UserActionRequired, string(e.Severity), e.Acknowledged, e.TraceID, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return &store.DuplicateError{ExistingID: e.ID}
	}
	if err != nil {
		return fmt.Errorf("insert recovery explanation: %w", err)
	}
	return nil
}

func (s *RecoveryStore) ListExplanations(ctx context.Context, workspaceID string, onlyUnacknowledged bool) ([]*recovery.Explanation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, attempt_id, workspace_id, task_id, summary, root_cause, decision,
		        user_action_required, severity, acknowledged, trace_id, created_at
		 FROM `+explanationTable+`
		 WHERE workspace_id = $1 AND (NOT $2 OR NOT acknowledged)
		 ORDER BY created_at DESC`, workspaceID, onlyUnacknowledged)
	if err != nil {
		return nil, fmt.Errorf("list recovery explanations: %w", err)
	}
	defer rows.Close()

	var result []*recovery.Explanation
	for rows.Next() {
		var e recovery.Explanation
		var severity string
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.WorkspaceID, &e.TaskID, &e.Summary,
			&e.RootCause, &e.Decision, &e.UserActionRequired, &severity, &e.Acknowledged,
			&e.TraceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Severity = recovery.Severity(severity)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *RecoveryStore) AcknowledgeExplanation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+explanationTable+` SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("acknowledge recovery explanation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
