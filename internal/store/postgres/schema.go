package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on startup. All statements are idempotent. Every child
// table cascades from sessions so a session delete can never leave orphans,
// and (session_id, seq) indexes keep ordered history retrieval O(log n + k).
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            UUID PRIMARY KEY,
	agent_type    TEXT NOT NULL,
	status        TEXT NOT NULL,
	plan_mode     BOOLEAN NOT NULL DEFAULT FALSE,
	repo_path     TEXT NOT NULL,
	base_branch   TEXT NOT NULL DEFAULT '',
	worktree_path TEXT NOT NULL,
	resume_token  TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	last_seq      BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_event_at TIMESTAMPTZ,
	archived_at   TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_worktree
	ON sessions (worktree_path) WHERE archived_at IS NULL;

CREATE TABLE IF NOT EXISTS messages (
	session_id   UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq          BIGINT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	format       TEXT NOT NULL DEFAULT 'text',
	model        TEXT NOT NULL DEFAULT '',
	token_count  INTEGER NOT NULL DEFAULT 0,
	tool_call_id TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS tool_calls (
	session_id      UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq             BIGINT NOT NULL,
	name            TEXT NOT NULL,
	input           JSONB,
	output          JSONB,
	ok              BOOLEAN,
	should_continue BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	iteration  INTEGER NOT NULL,
	state      JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, iteration)
);

CREATE TABLE IF NOT EXISTS plan_files (
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	path       TEXT NOT NULL,
	digest     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, path)
);

CREATE TABLE IF NOT EXISTS pending_requests (
	session_id  UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	request_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	question    TEXT NOT NULL DEFAULT '',
	options     JSONB,
	deadline    TIMESTAMPTZ,
	status      TEXT NOT NULL,
	decision    TEXT NOT NULL DEFAULT '',
	opened_at   TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	PRIMARY KEY (session_id, request_id)
);

CREATE INDEX IF NOT EXISTS pending_requests_open
	ON pending_requests (deadline) WHERE status = 'pending';
`

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
