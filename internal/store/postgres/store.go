// Package postgres is the durable, crash-safe record of sessions and their
// conversation history. Cascade deletion and sequence allocation are
// enforced at the storage layer, not in application logic.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/crewline/internal/domain"
)

type Store struct {
	pool        *pgxpool.Pool
	sessions    *SessionRepo
	history     *HistoryRepo
	checkpoints *CheckpointRepo
	planFiles   *PlanFileRepo
	pending     *PendingRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	err = migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: %w", err)
	}

	return &Store{
		pool:        pool,
		sessions:    NewSessionRepo(pool),
		history:     NewHistoryRepo(pool),
		checkpoints: NewCheckpointRepo(pool),
		planFiles:   NewPlanFileRepo(pool),
		pending:     NewPendingRepo(pool),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Sessions() domain.SessionRepository          { return s.sessions }
func (s *Store) History() domain.HistoryRepository           { return s.history }
func (s *Store) Checkpoints() domain.CheckpointRepository    { return s.checkpoints }
func (s *Store) PlanFiles() domain.PlanFileRepository        { return s.planFiles }
func (s *Store) Pending() domain.PendingRequestRepository    { return s.pending }
