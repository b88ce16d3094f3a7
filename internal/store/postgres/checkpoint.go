package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/crewline/internal/domain"
)

type CheckpointRepo struct {
	pool *pgxpool.Pool
}

func NewCheckpointRepo(pool *pgxpool.Pool) *CheckpointRepo {
	return &CheckpointRepo{pool: pool}
}

func (r *CheckpointRepo) Record(ctx context.Context, cp *domain.Checkpoint) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO checkpoints (session_id, iteration, state, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, iteration) DO UPDATE SET state = $3, created_at = $4`,
		cp.SessionID, cp.Iteration, rawOrNil(cp.State), cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("checkpointRepo.Record: %w", err)
	}
	return nil
}

func (r *CheckpointRepo) Latest(ctx context.Context, sessionID uuid.UUID) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var state []byte

	err := r.pool.QueryRow(ctx,
		`SELECT session_id, iteration, state, created_at
		 FROM checkpoints WHERE session_id = $1
		 ORDER BY iteration DESC LIMIT 1`,
		sessionID,
	).Scan(&cp.SessionID, &cp.Iteration, &state, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpointRepo.Latest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpointRepo.Latest: %w", err)
	}

	cp.State = state
	return &cp, nil
}

type PlanFileRepo struct {
	pool *pgxpool.Pool
}

func NewPlanFileRepo(pool *pgxpool.Pool) *PlanFileRepo {
	return &PlanFileRepo{pool: pool}
}

func (r *PlanFileRepo) Record(ctx context.Context, pf *domain.PlanFile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO plan_files (session_id, path, digest, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, path) DO UPDATE SET digest = $3, created_at = $4`,
		pf.SessionID, pf.Path, pf.Digest, pf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("planFileRepo.Record: %w", err)
	}
	return nil
}

func (r *PlanFileRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.PlanFile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, path, digest, created_at
		 FROM plan_files WHERE session_id = $1 ORDER BY path`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("planFileRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	var files []*domain.PlanFile
	for rows.Next() {
		var pf domain.PlanFile
		if err := rows.Scan(&pf.SessionID, &pf.Path, &pf.Digest, &pf.CreatedAt); err != nil {
			return nil, fmt.Errorf("planFileRepo.ListBySession: scan: %w", err)
		}
		files = append(files, &pf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("planFileRepo.ListBySession: rows: %w", err)
	}

	return files, nil
}
