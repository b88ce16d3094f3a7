package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/crewline/internal/domain"
)

const pendingColumns = `session_id, request_id, kind, question, options, deadline,
	status, decision, opened_at, resolved_at`

type PendingRepo struct {
	pool *pgxpool.Pool
}

func NewPendingRepo(pool *pgxpool.Pool) *PendingRepo {
	return &PendingRepo{pool: pool}
}

func (r *PendingRepo) Open(ctx context.Context, pr *domain.PendingRequest) error {
	options, err := json.Marshal(pr.Options)
	if err != nil {
		return fmt.Errorf("pendingRepo.Open: marshal options: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO pending_requests (session_id, request_id, kind, question, options, deadline, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pr.SessionID, pr.RequestID, pr.Kind, pr.Question, options, pr.Deadline, pr.Status, pr.OpenedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pendingRepo.Open: request %s already open: %w", pr.RequestID, domain.ErrConflict)
		}
		return fmt.Errorf("pendingRepo.Open: %w", err)
	}
	return nil
}

// Resolve marks a pending request answered. A second resolution attempt is
// rejected with ErrConflict; an unknown id with ErrNotFound. Never silently
// ignored, so double-answering races surface to the caller.
func (r *PendingRepo) Resolve(ctx context.Context, sessionID uuid.UUID, requestID, decision string, status domain.PendingStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE pending_requests SET status = $1, decision = $2, resolved_at = now()
		 WHERE session_id = $3 AND request_id = $4 AND status = $5`,
		status, decision, sessionID, requestID, domain.PendingOpen,
	)
	if err != nil {
		return fmt.Errorf("pendingRepo.Resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish already-resolved from unknown.
		var existing string
		err = r.pool.QueryRow(ctx,
			`SELECT status FROM pending_requests WHERE session_id = $1 AND request_id = $2`,
			sessionID, requestID,
		).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("pendingRepo.Resolve: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("pendingRepo.Resolve: %w", err)
		}
		return fmt.Errorf("pendingRepo.Resolve: already %s: %w", existing, domain.ErrConflict)
	}
	return nil
}

func (r *PendingRepo) Get(ctx context.Context, sessionID uuid.UUID, requestID string) (*domain.PendingRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_requests
		 WHERE session_id = $1 AND request_id = $2`,
		sessionID, requestID,
	)

	pr, err := scanPending(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pendingRepo.Get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pendingRepo.Get: %w", err)
	}
	return pr, nil
}

func (r *PendingRepo) ListOpen(ctx context.Context, sessionID uuid.UUID) ([]*domain.PendingRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_requests
		 WHERE session_id = $1 AND status = $2
		 ORDER BY opened_at`,
		sessionID, domain.PendingOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("pendingRepo.ListOpen: %w", err)
	}
	defer rows.Close()

	return scanPendings(rows, "pendingRepo.ListOpen")
}

func (r *PendingRepo) ListExpired(ctx context.Context, now time.Time) ([]*domain.PendingRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_requests
		 WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2
		 ORDER BY deadline`,
		domain.PendingOpen, now,
	)
	if err != nil {
		return nil, fmt.Errorf("pendingRepo.ListExpired: %w", err)
	}
	defer rows.Close()

	return scanPendings(rows, "pendingRepo.ListExpired")
}

func scanPending(row pgx.Row) (*domain.PendingRequest, error) {
	var pr domain.PendingRequest
	var options []byte

	err := row.Scan(
		&pr.SessionID, &pr.RequestID, &pr.Kind, &pr.Question, &options,
		&pr.Deadline, &pr.Status, &pr.Decision, &pr.OpenedAt, &pr.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(options) > 0 {
		if err := json.Unmarshal(options, &pr.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return &pr, nil
}

func scanPendings(rows pgx.Rows, caller string) ([]*domain.PendingRequest, error) {
	var out []*domain.PendingRequest
	for rows.Next() {
		pr, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}
	return out, nil
}
