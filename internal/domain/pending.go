package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingKind distinguishes the two interactive exchanges an agent may block
// on mid-stream.
type PendingKind string

const (
	PendingPermission PendingKind = "permission"
	PendingUserInput  PendingKind = "user_input"
)

// PendingStatus is the resolution state of an interactive request.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "pending"
	PendingResolved PendingStatus = "resolved"
	PendingTimedOut PendingStatus = "timed_out"
)

// PendingRequest is a correlated request from the agent that blocks its own
// progress until an external decision is supplied. It is persisted so the UI
// can render it even after a daemon restart.
type PendingRequest struct {
	SessionID  uuid.UUID     `json:"session_id"`
	RequestID  string        `json:"request_id"`
	Kind       PendingKind   `json:"kind"`
	Question   string        `json:"question"`
	Options    []string      `json:"options,omitempty"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
	Status     PendingStatus `json:"status"`
	Decision   string        `json:"decision,omitempty"`
	OpenedAt   time.Time     `json:"opened_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// PendingRequestRepository stores interactive requests keyed by
// (session id, request id). Resolve fails with ErrConflict when the request
// is already resolved and ErrNotFound when the id is unknown, so callers can
// surface double-answer races instead of ignoring them.
type PendingRequestRepository interface {
	Open(ctx context.Context, pr *PendingRequest) error
	Resolve(ctx context.Context, sessionID uuid.UUID, requestID, decision string, status PendingStatus) error
	Get(ctx context.Context, sessionID uuid.UUID, requestID string) (*PendingRequest, error)
	ListOpen(ctx context.Context, sessionID uuid.UUID) ([]*PendingRequest, error)
	ListExpired(ctx context.Context, now time.Time) ([]*PendingRequest, error)
}
