package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/crewline/internal/domain"
)

// HistoryRepo owns the per-session sequence counter. Each append allocates
// the next seq inside its own transaction, so concurrent writers within one
// session serialize on the sessions row and (session_id, seq) pairs form a
// contiguous ascending sequence starting at 1.
type HistoryRepo struct {
	pool *pgxpool.Pool
}

func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

// nextSeq bumps and returns the session's sequence counter within tx.
func nextSeq(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE sessions SET last_seq = last_seq + 1, last_event_at = now(), updated_at = now()
		 WHERE id = $1 RETURNING last_seq`,
		sessionID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *HistoryRepo) AppendMessage(ctx context.Context, m *domain.Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("historyRepo.AppendMessage: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	seq, err := nextSeq(ctx, tx, m.SessionID)
	if err != nil {
		return fmt.Errorf("historyRepo.AppendMessage: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (session_id, seq, role, content, format, model, token_count, tool_call_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.SessionID, seq, m.Role, m.Content, m.Format, m.Model, m.TokenCount, m.ToolCallID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("historyRepo.AppendMessage: insert: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("historyRepo.AppendMessage: commit: %w", err)
	}

	m.Seq = seq
	return nil
}

func (r *HistoryRepo) AppendToolCall(ctx context.Context, tc *domain.ToolCall) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("historyRepo.AppendToolCall: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	seq, err := nextSeq(ctx, tx, tc.SessionID)
	if err != nil {
		return fmt.Errorf("historyRepo.AppendToolCall: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tool_calls (session_id, seq, name, input, output, ok, should_continue, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tc.SessionID, seq, tc.Name, rawOrNil(tc.Input), rawOrNil(tc.Output), tc.OK, tc.ShouldContinue, tc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("historyRepo.AppendToolCall: insert: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("historyRepo.AppendToolCall: commit: %w", err)
	}

	tc.Seq = seq
	return nil
}

// CompleteToolCall resolves an open tool call in place. Rows are otherwise
// immutable; resolution completes the same row rather than appending a new
// one.
func (r *HistoryRepo) CompleteToolCall(ctx context.Context, sessionID uuid.UUID, seq int64, output json.RawMessage, ok bool, shouldContinue bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tool_calls SET output = $1, ok = $2, should_continue = $3
		 WHERE session_id = $4 AND seq = $5 AND ok IS NULL`,
		rawOrNil(output), ok, shouldContinue, sessionID, seq,
	)
	if err != nil {
		return fmt.Errorf("historyRepo.CompleteToolCall: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("historyRepo.CompleteToolCall: %w", domain.ErrNotFound)
	}
	return nil
}

// LoadHistory returns the merged Message+ToolCall stream ordered by the
// shared sequence counter.
func (r *HistoryRepo) LoadHistory(ctx context.Context, sessionID uuid.UUID) ([]domain.HistoryEntry, error) {
	msgRows, err := r.pool.Query(ctx,
		`SELECT session_id, seq, role, content, format, model, token_count, tool_call_id, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("historyRepo.LoadHistory: messages: %w", err)
	}

	var entries []domain.HistoryEntry
	for msgRows.Next() {
		var m domain.Message
		err = msgRows.Scan(&m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Format, &m.Model, &m.TokenCount, &m.ToolCallID, &m.CreatedAt)
		if err != nil {
			msgRows.Close()
			return nil, fmt.Errorf("historyRepo.LoadHistory: scan message: %w", err)
		}
		entries = append(entries, domain.HistoryEntry{Seq: m.Seq, Message: &m})
	}
	if err = msgRows.Err(); err != nil {
		msgRows.Close()
		return nil, fmt.Errorf("historyRepo.LoadHistory: message rows: %w", err)
	}
	msgRows.Close()

	tcRows, err := r.pool.Query(ctx,
		`SELECT session_id, seq, name, input, output, ok, should_continue, created_at
		 FROM tool_calls WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("historyRepo.LoadHistory: tool calls: %w", err)
	}
	defer tcRows.Close()

	for tcRows.Next() {
		var tc domain.ToolCall
		var input, output []byte
		err = tcRows.Scan(&tc.SessionID, &tc.Seq, &tc.Name, &input, &output, &tc.OK, &tc.ShouldContinue, &tc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("historyRepo.LoadHistory: scan tool call: %w", err)
		}
		tc.Input = input
		tc.Output = output
		entries = append(entries, domain.HistoryEntry{Seq: tc.Seq, ToolCall: &tc})
	}
	if err = tcRows.Err(); err != nil {
		return nil, fmt.Errorf("historyRepo.LoadHistory: tool call rows: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// rawOrNil maps empty JSON to SQL NULL so the column stays nullable.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
