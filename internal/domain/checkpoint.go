package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a periodic snapshot of session-internal state used for
// mid-session resume without replaying the entire message log.
type Checkpoint struct {
	SessionID uuid.UUID       `json:"session_id"`
	Iteration int             `json:"iteration"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PlanFile records the content hash of a file the agent declared it will
// modify, used to detect out-of-band changes.
type PlanFile struct {
	SessionID uuid.UUID `json:"session_id"`
	Path      string    `json:"path"`
	Digest    string    `json:"digest"` // hex-encoded SHA-256
	CreatedAt time.Time `json:"created_at"`
}

type CheckpointRepository interface {
	Record(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, sessionID uuid.UUID) (*Checkpoint, error)
}

type PlanFileRepository interface {
	Record(ctx context.Context, pf *PlanFile) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*PlanFile, error)
}
