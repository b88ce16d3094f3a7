package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/crewline/internal/domain"
)

const sessionColumns = `id, agent_type, status, plan_mode, repo_path, base_branch,
	worktree_path, resume_token, metadata, created_at, updated_at, last_event_at, archived_at`

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create: marshal metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (id, agent_type, status, plan_mode, repo_path, base_branch,
		                       worktree_path, resume_token, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.AgentType, s.Status, s.PlanMode, s.RepoPath, s.BaseBranch,
		s.WorktreePath, s.ResumeToken, metadata, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sessionRepo.Create: worktree %q already in use: %w", s.WorktreePath, domain.ErrConflict)
		}
		return fmt.Errorf("sessionRepo.Create: %w", err)
	}

	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) List(ctx context.Context, includeArchived bool) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.List: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows, "sessionRepo.List")
}

func (r *SessionRepo) ListNonTerminal(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status NOT IN ($1, $2, $3)
		 ORDER BY created_at`,
		domain.StatusCompleted, domain.StatusError, domain.StatusStopped,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.ListNonTerminal: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows, "sessionRepo.ListNonTerminal")
}

func (r *SessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = now() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.UpdateStatus: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) SetResumeToken(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET resume_token = $1, updated_at = now() WHERE id = $2`,
		token, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.SetResumeToken: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.SetResumeToken: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) SetPlanMode(ctx context.Context, id uuid.UUID, planMode bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET plan_mode = $1, updated_at = now() WHERE id = $2`,
		planMode, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.SetPlanMode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.SetPlanMode: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateMetadata: marshal: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET metadata = $1, updated_at = now() WHERE id = $2`,
		blob, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateMetadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.UpdateMetadata: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET archived_at = now(), updated_at = now()
		 WHERE id = $1 AND archived_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.Archive: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) Unarchive(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET archived_at = NULL, updated_at = now()
		 WHERE id = $1 AND archived_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Unarchive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.Unarchive: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes the session row; child rows go with it via ON DELETE
// CASCADE. Deleting an absent session is a no-op so callers can retry.
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("sessionRepo.Delete: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var metadata []byte

	err := row.Scan(
		&s.ID, &s.AgentType, &s.Status, &s.PlanMode, &s.RepoPath, &s.BaseBranch,
		&s.WorktreePath, &s.ResumeToken, &metadata, &s.CreatedAt, &s.UpdatedAt,
		&s.LastEventAt, &s.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &s, nil
}

func scanSessions(rows pgx.Rows, caller string) ([]*domain.Session, error) {
	var sessions []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}
	return sessions, nil
}
